package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newScheduleAddCmd(f *ScheduleFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule-add",
		Short: "register a cron, interval, or one-shot trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Name == "" {
				return fmt.Errorf("--name is required")
			}
			if f.Kind == "" {
				return fmt.Errorf("--kind is required (Cron, Interval, or Once)")
			}
			if f.Command == "" {
				return fmt.Errorf("--command is required")
			}
			return newClient().AddSchedule(*f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "schedule name")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "Cron, Interval, or Once")
	cmd.Flags().StringVar(&f.Expression, "expression", "", "cron expression, interval duration, or RFC3339 timestamp")
	cmd.Flags().StringVar(&f.Command, "command", "", "command to launch when the schedule fires")
	cmd.Flags().StringSliceVar(&f.Args, "arg", nil, "command argument (repeatable)")
	cmd.Flags().StringVar(&f.WorkingDir, "workdir", "", "working directory")
	cmd.Flags().StringSliceVar(&f.Env, "env", nil, "KEY=VALUE environment entry (repeatable)")
	cmd.Flags().StringVar(&f.Group, "group", "", "group name for the launched process")
	cmd.Flags().BoolVar(&f.Disabled, "disabled", false, "register the schedule disabled")
	return cmd
}

func newScheduleListCmd(newClient func() *APIClient) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule-list",
		Short: "list every configured schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClient().ListSchedules()
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func newScheduleEnableCmd(f *ScheduleFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule-enable",
		Short: "re-activate a disabled schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Name == "" {
				return fmt.Errorf("--name is required")
			}
			return newClient().EnableSchedule(f.Name)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "schedule name")
	return cmd
}

func newScheduleDisableCmd(f *ScheduleFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule-disable",
		Short: "deactivate a schedule without forgetting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Name == "" {
				return fmt.Errorf("--name is required")
			}
			return newClient().DisableSchedule(f.Name)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "schedule name")
	return cmd
}

func newScheduleRemoveCmd(f *ScheduleFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule-remove",
		Short: "delete a schedule's record entirely",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Name == "" {
				return fmt.Errorf("--name is required")
			}
			return newClient().RemoveSchedule(f.Name)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "schedule name")
	return cmd
}
