package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/loykin/sentryd/internal/process"
)

func createProgramFiles(t *testing.T, programsDir string, files map[string]string) {
	t.Helper()
	if err := os.MkdirAll(programsDir, 0o755); err != nil {
		t.Fatalf("create programs dir: %v", err)
	}
	for filename, content := range files {
		filePath := filepath.Join(programsDir, filename)
		if err := os.WriteFile(filePath, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", filename, err)
		}
	}
}

func verifySpecPriorities(t *testing.T, specs []process.Spec, expected map[string]int) {
	t.Helper()
	specMap := make(map[string]int)
	for _, spec := range specs {
		specMap[spec.Name] = spec.Priority
	}

	for name, expectedPriority := range expected {
		if actualPriority, exists := specMap[name]; !exists {
			t.Errorf("process %s not found in loaded specs", name)
		} else if actualPriority != expectedPriority {
			t.Errorf("process %s: expected priority %d, got %d", name, expectedPriority, actualPriority)
		}
	}
}

func TestLoadConfig_InlinePriority(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "priority.toml")
	data := `
[[processes]]
[processes.spec]
name = "high-priority"
command = "sleep"
args = ["1"]
priority = 5

[[processes]]
[processes.spec]
name = "low-priority"
command = "sleep"
args = ["1"]
priority = 20

[[processes]]
[processes.spec]
name = "default-priority"
command = "sleep"
args = ["1"]
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Specs) != 3 {
		t.Fatalf("expected 3 specs, got %d", len(cfg.Specs))
	}

	expected := map[string]int{
		"high-priority":    5,
		"low-priority":     20,
		"default-priority": 0,
	}
	verifySpecPriorities(t, cfg.Specs, expected)
}

func TestLoadConfig_ProgramsDirectoryPriority(t *testing.T) {
	dir := t.TempDir()

	mainConfig := filepath.Join(dir, "config.toml")
	mainData := `env = ["GLOBAL=test"]`
	if err := os.WriteFile(mainConfig, []byte(mainData), 0o644); err != nil {
		t.Fatalf("write main config: %v", err)
	}

	programsDir := filepath.Join(dir, "programs")
	files := map[string]string{
		"database.toml": `
[spec]
name = "database"
command = "sleep"
args = ["5"]
priority = 1`,
		"api.toml": `
[spec]
name = "api"
command = "sleep"
args = ["2"]
priority = 10`,
		"worker.toml": `
[spec]
name = "worker"
command = "sleep"
args = ["1"]
priority = 20`,
	}
	createProgramFiles(t, programsDir, files)

	cfg, err := LoadConfig(mainConfig)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Specs) != 3 {
		t.Fatalf("expected 3 specs from programs directory, got %d", len(cfg.Specs))
	}

	expected := map[string]int{
		"database": 1,
		"api":      10,
		"worker":   20,
	}
	verifySpecPriorities(t, cfg.Specs, expected)
}

func TestLoadConfig_MixedSourcesPriority(t *testing.T) {
	dir := t.TempDir()

	mainConfig := filepath.Join(dir, "config.toml")
	mainData := `
env = ["GLOBAL=test"]

[[processes]]
[processes.spec]
name = "main-service"
command = "sleep"
args = ["3"]
priority = 15
`
	if err := os.WriteFile(mainConfig, []byte(mainData), 0o644); err != nil {
		t.Fatalf("write main config: %v", err)
	}

	programsDir := filepath.Join(dir, "programs")
	files := map[string]string{
		"program-service.toml": `
[spec]
name = "program-service"
command = "sleep"
args = ["2"]
priority = 5`,
	}
	createProgramFiles(t, programsDir, files)

	cfg, err := LoadConfig(mainConfig)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Specs) != 2 {
		t.Fatalf("expected 2 specs (1 main + 1 programs), got %d", len(cfg.Specs))
	}

	expected := map[string]int{
		"main-service":    15,
		"program-service": 5,
	}
	verifySpecPriorities(t, cfg.Specs, expected)
}

func TestLoadConfig_ScheduleWithGroupMixedWithPriority(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cfg.toml")
	data := `
[[processes]]
[processes.spec]
name = "svc-a"
command = "sleep"
args = ["1"]
priority = 1

[[processes]]
[processes.spec]
name = "svc-b"
command = "sleep"
args = ["1"]
priority = 2

[[processes]]
type = "schedule"
[processes.spec]
name = "cleanup"
kind = "Interval"
expression = "5m"
command = "cleanup.sh"

[[groups]]
name = "svc-group"
members = ["svc-a", "svc-b"]
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.Specs) != 2 {
		t.Fatalf("expected 2 process specs, got %d", len(cfg.Specs))
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Name != "cleanup" {
		t.Fatalf("expected 1 schedule, got %+v", cfg.Schedules)
	}
	if len(cfg.GroupSpecs) != 1 || len(cfg.GroupSpecs[0].Members) != 2 {
		t.Fatalf("expected 1 group with 2 members, got %+v", cfg.GroupSpecs)
	}
}
