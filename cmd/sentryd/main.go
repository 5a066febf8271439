package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/sentryd/internal/config"
	"github.com/loykin/sentryd/internal/daemon"
	"github.com/loykin/sentryd/internal/server"
)

func main() {
	var apiURL string
	var apiTimeout time.Duration
	var authToken string

	root := &cobra.Command{Use: "sentryd"}
	root.PersistentFlags().StringVar(&apiURL, "api-url", "http://127.0.0.1:8080/api", "base URL of a running sentryd daemon")
	root.PersistentFlags().DurationVar(&apiTimeout, "api-timeout", 10*time.Second, "HTTP client timeout for daemon requests")
	root.PersistentFlags().StringVar(&authToken, "token", "", "bearer token for daemon requests requiring auth")

	newClient := func() *APIClient {
		c := NewAPIClient(apiURL, apiTimeout)
		if authToken != "" {
			c.SetAuthToken(authToken)
		}
		return c
	}

	startFlags := &StartFlags{}
	statusFlags := &StatusFlags{}
	restartFlags := &StatusFlags{}
	removeFlags := &StatusFlags{}
	metricsFlags := &StatusFlags{}
	outputFlags := &StatusFlags{}
	stopFlags := &StopFlags{}
	groupStartFlags := &GroupFlags{}
	groupStopFlags := &GroupFlags{}
	groupStatusFlags := &GroupFlags{}
	scheduleAddFlags := &ScheduleFlags{}
	scheduleEnableFlags := &ScheduleFlags{}
	scheduleDisableFlags := &ScheduleFlags{}
	scheduleRemoveFlags := &ScheduleFlags{}

	root.AddCommand(
		newStartCmd(startFlags, newClient),
		newStatusCmd(statusFlags, newClient),
		newStopCmd(stopFlags, newClient),
		newRestartCmd(restartFlags, newClient),
		newRemoveCmd(removeFlags, newClient),
		newMetricsCmd(metricsFlags, newClient),
		newOutputCmd(outputFlags, newClient),
		newGroupStartCmd(groupStartFlags, newClient),
		newGroupStopCmd(groupStopFlags, newClient),
		newGroupStatusCmd(groupStatusFlags, newClient),
		newScheduleAddCmd(scheduleAddFlags, newClient),
		newScheduleListCmd(newClient),
		newScheduleEnableCmd(scheduleEnableFlags, newClient),
		newScheduleDisableCmd(scheduleDisableFlags, newClient),
		newScheduleRemoveCmd(scheduleRemoveFlags, newClient),
		newLoginCmd(newClient),
		newServeCmd(),
	)

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLoginCmd(newClient func() *APIClient) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "authenticate against the daemon and print a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || password == "" {
				return fmt.Errorf("--username and --password are required")
			}
			resp, err := newClient().Login(username, password)
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

func newServeCmd() *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the sentryd daemon: supervisor, scheduler, and REST control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*f)
		},
	}
	cmd.Flags().StringVar(&f.ConfigPath, "config", "", "path to config file (toml/yaml/json, viper-resolved)")
	cmd.Flags().StringVar(&f.Listen, "listen", "", "override the config's server listen address")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "override the config's REST API base path")
	return cmd
}

func runServe(f ServeFlags) error {
	cfg, err := config.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	listen := "127.0.0.1:8080"
	basePath := "/api"
	if cfg.Server != nil {
		if cfg.Server.Listen != "" {
			listen = cfg.Server.Listen
		}
		if cfg.Server.BasePath != "" {
			basePath = cfg.Server.BasePath
		}
	}
	if f.Listen != "" {
		listen = f.Listen
	}
	if f.BasePath != "" {
		basePath = f.BasePath
	}

	app, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("construct daemon: %w", err)
	}

	httpServer := server.NewServer(listen, basePath, app)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srvErrs := make(chan error, 1)
	go func() {
		fmt.Printf("serving REST control plane on %s%s\n", listen, basePath)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErrs <- err
			return
		}
		srvErrs <- nil
	}()

	appErrs := make(chan error, 1)
	go func() {
		appErrs <- app.Run(ctx)
	}()

	select {
	case err := <-srvErrs:
		stop()
		<-appErrs
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case err := <-appErrs:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if err != nil {
			return fmt.Errorf("daemon run: %w", err)
		}
		return nil
	}
}
