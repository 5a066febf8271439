package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/sentryd/internal/process"
)

func newStartCmd(f *StartFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Name == "" {
				return fmt.Errorf("--name is required")
			}
			if f.Command == "" {
				return fmt.Errorf("--command is required")
			}
			spec := process.Spec{
				Name:       f.Name,
				Command:    f.Command,
				Args:       f.Args,
				WorkingDir: f.WorkingDir,
				Env:        envSliceToMap(f.Env),
				Group:      f.Group,
				Priority:   f.Priority,
				Detached:   f.Detached,
			}
			out, err := newClient().StartProcess(spec)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "process name")
	cmd.Flags().StringVar(&f.Command, "command", "", "command to run")
	cmd.Flags().StringSliceVar(&f.Args, "arg", nil, "command argument (repeatable)")
	cmd.Flags().StringVar(&f.WorkingDir, "workdir", "", "working directory")
	cmd.Flags().StringSliceVar(&f.Env, "env", nil, "KEY=VALUE environment entry (repeatable)")
	cmd.Flags().StringVar(&f.Group, "group", "", "group name")
	cmd.Flags().IntVar(&f.Priority, "priority", 0, "start order within a group, lower first")
	cmd.Flags().BoolVar(&f.Detached, "detached", false, "detach the child from this process's session")
	return cmd
}

func newStatusCmd(f *StatusFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "show process status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if f.Name != "" {
				out, err := c.GetStatus(f.Name)
				if err != nil {
					return err
				}
				printJSON(out)
				return nil
			}
			out, err := c.ListStatus(f.Group, f.State, f.Pattern)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "exact process name")
	cmd.Flags().StringVar(&f.Pattern, "pattern", "", "wildcard name pattern, e.g. worker-*")
	cmd.Flags().StringVar(&f.Group, "group", "", "filter by group")
	cmd.Flags().StringVar(&f.State, "state", "", "filter by state")
	return cmd
}

func newStopCmd(f *StopFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "stop a process or a wildcard match of processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Wait <= 0 {
				f.Wait = 3 * time.Second
			}
			c := newClient()
			if f.Pattern != "" {
				return c.StopMatch(f.Pattern, f.Wait, f.Force)
			}
			if f.Name == "" {
				return fmt.Errorf("--name or --pattern is required")
			}
			return c.StopProcess(f.Name, f.Wait, f.Force)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "exact process name")
	cmd.Flags().StringVar(&f.Pattern, "pattern", "", "wildcard name pattern, e.g. worker-*")
	cmd.Flags().DurationVar(&f.Wait, "wait", 3*time.Second, "grace period before SIGKILL")
	cmd.Flags().BoolVar(&f.Force, "force", false, "skip the grace period and signal immediately")
	return cmd
}

func newRestartCmd(f *StatusFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "restart a process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Name == "" {
				return fmt.Errorf("--name is required")
			}
			out, err := newClient().RestartProcess(f.Name)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "process name")
	return cmd
}

func newRemoveCmd(f *StatusFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "forget a stopped process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Name == "" {
				return fmt.Errorf("--name is required")
			}
			return newClient().RemoveProcess(f.Name)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "process name")
	return cmd
}

func newMetricsCmd(f *StatusFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "sample a running process's resource usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Name == "" {
				return fmt.Errorf("--name is required")
			}
			out, err := newClient().GetMetrics(f.Name)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "process name")
	return cmd
}

func newOutputCmd(f *StatusFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "output",
		Short: "fetch a process's captured stdout/stderr",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Name == "" {
				return fmt.Errorf("--name is required")
			}
			out, err := newClient().GetOutput(f.Name)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "process name")
	return cmd
}
