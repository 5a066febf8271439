package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newGroupStartCmd(f *GroupFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group-start",
		Short: "start every member of a configured group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Name == "" {
				return fmt.Errorf("--group is required")
			}
			if err := newClient().GroupStart(f.Name); err != nil {
				return err
			}
			fmt.Printf("started group %s\n", f.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Name, "group", "", "group name")
	return cmd
}

func newGroupStopCmd(f *GroupFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group-stop",
		Short: "stop every member of a configured group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Name == "" {
				return fmt.Errorf("--group is required")
			}
			if f.Wait <= 0 {
				f.Wait = 3 * time.Second
			}
			if err := newClient().GroupStop(f.Name, f.Wait); err != nil {
				return err
			}
			fmt.Printf("stopped group %s\n", f.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Name, "group", "", "group name")
	cmd.Flags().DurationVar(&f.Wait, "wait", 3*time.Second, "grace period before SIGKILL")
	return cmd
}

func newGroupStatusCmd(f *GroupFlags, newClient func() *APIClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group-status",
		Short: "show status of every member of a configured group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.Name == "" {
				return fmt.Errorf("--group is required")
			}
			out, err := newClient().GroupStatus(f.Name)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Name, "group", "", "group name")
	return cmd
}
