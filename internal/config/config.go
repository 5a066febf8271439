// Package config loads the TOML/YAML/JSON configuration tree that
// describes every descriptor, group, named policy, and schedule a daemon
// instance manages, plus the ambient stack (store, history sinks,
// metrics, auth, server) around it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/sentryd/internal/auth"
	"github.com/loykin/sentryd/internal/policy"
	"github.com/loykin/sentryd/internal/process"
	"github.com/loykin/sentryd/internal/procgroup"
	"github.com/loykin/sentryd/internal/scheduler"
	"github.com/loykin/sentryd/internal/store"
)

type Config struct {
	UseOSEnv          bool             `mapstructure:"use_os_env"`
	EnvFiles          []string         `mapstructure:"env_files"`
	Env               []string         `mapstructure:"env"`
	ProgramsDirectory string           `mapstructure:"programs_directory"`
	Groups            []GroupConfig    `mapstructure:"groups"`
	Policies          []PolicyConfig   `mapstructure:"policies"`
	Store             *store.Config    `mapstructure:"store"`
	History           *HistoryConfig   `mapstructure:"history"`
	Metrics           *MetricsConfig   `mapstructure:"metrics"`
	Log               *LogConfig       `mapstructure:"log"`
	Server            *ServerConfig    `mapstructure:"server"`
	Auth              *auth.AuthConfig `mapstructure:"auth"`

	// Inline processes/schedules parsed as discriminated union entries
	Entries []EntryConfig `mapstructure:"processes"`

	// Computed/aggregated fields
	GlobalEnv      []string
	Specs          []process.Spec
	GroupSpecs     []procgroup.GroupSpec
	NamedPolicies  map[string]policy.Policy
	Schedules      []scheduler.Schedule

	configPath string
}

type GroupConfig struct {
	Name    string   `mapstructure:"name"`
	Members []string `mapstructure:"members"`
}

// PolicyConfig is a named restart policy definition a process or group
// can bind to by name (spec.md §4.2 "named policies").
type PolicyConfig struct {
	Name                string  `mapstructure:"name"`
	MaxRetries          int     `mapstructure:"max_retries"`
	BaseDelaySeconds    float64 `mapstructure:"base_delay_seconds"`
	BackoffMultiplier   float64 `mapstructure:"backoff_multiplier"`
	MaxDelaySeconds     float64 `mapstructure:"max_delay_seconds"`
	RestartOnCodes      []int   `mapstructure:"restart_on_codes"`
	IgnoreCodes         []int   `mapstructure:"ignore_codes"`
	HealthCheckCommand  string  `mapstructure:"health_check_command"`
	HealthCheckInterval string  `mapstructure:"health_check_interval"`
}

type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LogConfig configures the daemon's own structured logging (not a
// managed child's stdout/stderr capture, which has no config-level
// knobs in this system).
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Color      bool   `mapstructure:"color"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

// EntryConfig is a discriminated union: {type, spec}. type is "process"
// (default) or "schedule".
type EntryConfig struct {
	Type string         `mapstructure:"type"`
	Spec map[string]any `mapstructure:"spec"`
}

// scheduleSpec is the decode target for an EntryConfig of type "schedule":
// process.Spec-shaped launch fields plus the trigger expression.
type scheduleSpec struct {
	Name       string            `mapstructure:"name"`
	Kind       string            `mapstructure:"kind"`
	Expression string            `mapstructure:"expression"`
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	WorkingDir string            `mapstructure:"working_dir"`
	Env        map[string]string `mapstructure:"env"`
	Group      string            `mapstructure:"group"`
	Enabled    *bool             `mapstructure:"enabled"`
}

func decodeTo[T any](m map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(m); err != nil {
		return out, err
	}
	return out, nil
}

// decodeEntry decodes and validates a single {type, spec} entry, returning
// either a process.Spec (the *scheduler.Schedule result is nil) or a
// scheduler.Schedule.
func decodeEntry(ec EntryConfig, ctx string) (process.Spec, *scheduler.Schedule, error) {
	var zero process.Spec
	typ := strings.ToLower(strings.TrimSpace(ec.Type))
	switch typ {
	case "", "process":
		sp, err := decodeTo[process.Spec](ec.Spec)
		if err != nil {
			return zero, nil, fmt.Errorf("decode process spec in %s: %w", ctx, err)
		}
		if strings.TrimSpace(sp.Name) == "" {
			return zero, nil, fmt.Errorf("%s: process requires name", ctx)
		}
		if err := sp.Validate(); err != nil {
			return zero, nil, fmt.Errorf("%s: process %q: %w", ctx, sp.Name, err)
		}
		return sp, nil, nil
	case "schedule", "cron", "cronjob":
		ss, err := decodeTo[scheduleSpec](ec.Spec)
		if err != nil {
			return zero, nil, fmt.Errorf("decode schedule spec in %s: %w", ctx, err)
		}
		if strings.TrimSpace(ss.Name) == "" {
			return zero, nil, fmt.Errorf("%s: schedule requires name", ctx)
		}
		if strings.TrimSpace(ss.Command) == "" {
			return zero, nil, fmt.Errorf("%s: schedule %q requires command", ctx, ss.Name)
		}
		if strings.TrimSpace(ss.Expression) == "" {
			return zero, nil, fmt.Errorf("%s: schedule %q requires expression", ctx, ss.Name)
		}
		kind := scheduler.Kind(ss.Kind)
		if kind == "" {
			kind = scheduler.KindCron
		}
		enabled := true
		if ss.Enabled != nil {
			enabled = *ss.Enabled
		}
		sched := &scheduler.Schedule{
			Name:       ss.Name,
			Kind:       kind,
			Expression: ss.Expression,
			Enabled:    enabled,
			Target: scheduler.Target{
				Command:    ss.Command,
				Args:       ss.Args,
				WorkingDir: ss.WorkingDir,
				Env:        ss.Env,
				Group:      ss.Group,
			},
		}
		return zero, sched, nil
	default:
		return zero, nil, fmt.Errorf("%s: unknown entry type %q (allowed: process, schedule)", ctx, ec.Type)
	}
}

func LoadConfig(configPath string) (*Config, error) {
	config := &Config{configPath: configPath}

	if err := parseConfigFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.Specs = make([]process.Spec, 0)
	config.Schedules = make([]scheduler.Schedule, 0)

	// 1) Inline entries
	for _, ec := range config.Entries {
		sp, sched, err := decodeEntry(ec, "inline processes")
		if err != nil {
			return nil, err
		}
		if sched != nil {
			config.Schedules = append(config.Schedules, *sched)
			continue
		}
		config.Specs = append(config.Specs, sp)
	}

	// 2) Programs directory
	var programsDir string
	if config.ProgramsDirectory != "" {
		if filepath.IsAbs(config.ProgramsDirectory) {
			programsDir = config.ProgramsDirectory
		} else {
			programsDir = filepath.Join(filepath.Dir(configPath), config.ProgramsDirectory)
		}
	} else {
		programsDir = filepath.Join(filepath.Dir(configPath), "programs")
	}

	specs, scheds, err := loadProgramEntries(programsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load programs from %s: %w", programsDir, err)
	}
	config.Specs = append(config.Specs, specs...)
	config.Schedules = append(config.Schedules, scheds...)

	// 3) Named policies
	named, err := buildPolicies(config.Policies)
	if err != nil {
		return nil, fmt.Errorf("failed to build policies: %w", err)
	}
	config.NamedPolicies = named

	// Compute Global Env after merging
	globalEnv, err := computeGlobalEnv(config.UseOSEnv, config.EnvFiles, config.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to compute global env: %w", err)
	}
	config.GlobalEnv = globalEnv

	groupSpecs, err := buildGroups(config.Groups, config.Specs)
	if err != nil {
		return nil, fmt.Errorf("failed to build groups: %w", err)
	}
	config.GroupSpecs = groupSpecs

	return config, nil
}

func parseConfigFile(configPath string, out interface{}) error {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

// loadProgramEntries loads entries from the programs directory using the
// same discriminated-union format as inline [[processes]] blocks:
// {type, spec}. Supported file extensions: toml, yaml/yml, json.
func loadProgramEntries(programsDir string) ([]process.Spec, []scheduler.Schedule, error) {
	infos, err := os.ReadDir(programsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	exts := map[string]struct{}{".toml": {}, ".yaml": {}, ".yml": {}, ".json": {}}

	var specs []process.Spec
	var scheds []scheduler.Schedule
	for _, de := range infos {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(programsDir, name)
		ext := strings.ToLower(filepath.Ext(name))
		if _, ok := exts[ext]; !ok {
			continue
		}

		v := viper.New()
		v.SetConfigFile(full)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", full, err)
		}

		var ec EntryConfig
		if err := v.Unmarshal(&ec); err != nil {
			return nil, nil, fmt.Errorf("unmarshal %s: %w", full, err)
		}

		sp, sched, err := decodeEntry(ec, full)
		if err != nil {
			return nil, nil, err
		}
		if sched != nil {
			scheds = append(scheds, *sched)
			continue
		}
		specs = append(specs, sp)
	}
	return specs, scheds, nil
}

func computeGlobalEnv(useOSEnv bool, envFiles []string, env []string) ([]string, error) {
	envMap := make(map[string]string)

	if useOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				envMap[kv[:i]] = kv[i+1:]
			}
		}
	}

	for _, envFile := range envFiles {
		fileEnv, err := loadEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		for key, value := range fileEnv {
			envMap[key] = value
		}
	}

	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			envMap[kv[:i]] = kv[i+1:]
		}
	}

	result := make([]string, 0, len(envMap))
	for key, value := range envMap {
		result = append(result, key+"="+value)
	}
	sort.Strings(result)

	return result, nil
}

func buildPolicies(policyConfigs []PolicyConfig) (map[string]policy.Policy, error) {
	out := make(map[string]policy.Policy, len(policyConfigs))
	for _, pc := range policyConfigs {
		if pc.Name == "" {
			return nil, fmt.Errorf("policy requires name")
		}
		p := policy.Policy{
			Name:              pc.Name,
			MaxRetries:        pc.MaxRetries,
			BaseDelay:         time.Duration(pc.BaseDelaySeconds * float64(time.Second)),
			BackoffMultiplier: pc.BackoffMultiplier,
			MaxDelay:          time.Duration(pc.MaxDelaySeconds * float64(time.Second)),
			HealthCheckCommand: pc.HealthCheckCommand,
		}
		if len(pc.RestartOnCodes) > 0 {
			p.RestartOnCodes = make(map[int]struct{}, len(pc.RestartOnCodes))
			for _, c := range pc.RestartOnCodes {
				p.RestartOnCodes[c] = struct{}{}
			}
		}
		if len(pc.IgnoreCodes) > 0 {
			p.IgnoreCodes = make(map[int]struct{}, len(pc.IgnoreCodes))
			for _, c := range pc.IgnoreCodes {
				p.IgnoreCodes[c] = struct{}{}
			}
		}
		if pc.HealthCheckInterval != "" {
			d, err := time.ParseDuration(pc.HealthCheckInterval)
			if err != nil {
				return nil, fmt.Errorf("policy %s: invalid health_check_interval: %w", pc.Name, err)
			}
			p.HealthCheckInterval = d
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %s: %w", pc.Name, err)
		}
		out[pc.Name] = p
	}
	return out, nil
}

func buildGroups(groupConfigs []GroupConfig, specs []process.Spec) ([]procgroup.GroupSpec, error) {
	specMap := make(map[string]process.Spec, len(specs))
	for _, spec := range specs {
		specMap[spec.Name] = spec
	}

	groups := make([]procgroup.GroupSpec, 0, len(groupConfigs))
	for _, gc := range groupConfigs {
		if gc.Name == "" {
			return nil, fmt.Errorf("group requires name")
		}
		if len(gc.Members) == 0 {
			return nil, fmt.Errorf("group %s requires members", gc.Name)
		}

		memberSpecs := make([]process.Spec, 0, len(gc.Members))
		for _, memberName := range gc.Members {
			spec, exists := specMap[memberName]
			if !exists {
				return nil, fmt.Errorf("group %s references unknown member %s", gc.Name, memberName)
			}
			memberSpecs = append(memberSpecs, spec)
		}

		groups = append(groups, procgroup.GroupSpec{
			Name:    gc.Name,
			Members: memberSpecs,
		})
	}

	return groups, nil
}

func loadEnvFile(filePath string) (map[string]string, error) {
	// #nosec G304
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	env := make(map[string]string)
	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if idx := strings.IndexByte(line, '='); idx >= 0 {
			key := strings.TrimSpace(line[:idx])
			value := strings.TrimSpace(line[idx+1:])
			if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
				value = value[1 : len(value)-1]
			}
			env[key] = value
		} else {
			return nil, fmt.Errorf("invalid env line at %s:%d: %s", filePath, i+1, line)
		}
	}

	return env, nil
}
