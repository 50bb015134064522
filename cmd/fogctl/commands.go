package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"fogsched/internal/client"
	"fogsched/internal/core"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// Status creates the status command.
func Status() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the fog task state, schedule and recent runs",
		Long: `Show the fog task state, schedule and recent runs.

An enabled task with an empty schedule runs around the clock.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

// Config creates the config command.
func Config() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Change the enable switch and/or the schedule",
		Long: `Change the enable switch and/or the schedule.

Only the flags given are changed. Windows are HH:MM-HH:MM and may wrap past
midnight. Pass --schedule "" to clear every window.

Examples:
  fogctl config --enabled=true --schedule "22:00-06:00,12:00-13:00"
  fogctl config --enabled=false
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var update client.ConfigUpdate
			if cmd.Flags().Changed("enabled") {
				enabled, err := cmd.Flags().GetBool("enabled")
				if err != nil {
					return err
				}
				update.Enabled = &enabled
			}
			if cmd.Flags().Changed("schedule") {
				list, err := cmd.Flags().GetString("schedule")
				if err != nil {
					return err
				}
				windows, err := core.ParseWindowList(list)
				if err != nil {
					return fmt.Errorf("invalid --schedule: %w", err)
				}
				update.Schedule = &windows
			}
			if update.Enabled == nil && update.Schedule == nil {
				return fmt.Errorf("nothing to change: pass --enabled and/or --schedule")
			}

			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.SetConfig(cmd.Context(), update)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Enabled:  %t\n", res.Config.Enabled)
			fmt.Fprintf(out, "Schedule: %s\n", formatSchedule(res.Config.Windows))
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "%s %s\n", color.YellowString("warning:"), w)
			}
			return nil
		},
	}
	cmd.Flags().Bool("enabled", false, "Enable or disable the fog task")
	cmd.Flags().String("schedule", "", "Comma separated windows, e.g. 22:00-06:00,12:00-13:00")
	return cmd
}

// History creates the history command and its clear subcommand.
func History() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent fog task runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			status, err := cmd.Flags().GetString("status")
			if err != nil {
				return err
			}
			var outcome core.Outcome
			if status != "" {
				if outcome, err = core.ParseOutcome(status); err != nil {
					return err
				}
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			records, err := c.History(cmd.Context(), limit, outcome)
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().Int("limit", 10, "Number of runs to show")
	cmd.Flags().String("status", "", "Only show runs with this outcome (running, completed, failed, cancelled)")

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete finished runs from history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			if err := c.ClearHistory(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
			return nil
		},
	})
	return cmd
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	server, err := cmd.Flags().GetString("server")
	if err != nil {
		return nil, err
	}
	token, err := cmd.Flags().GetString("token")
	if err != nil {
		return nil, err
	}
	return client.New(server, token)
}

func printStatus(w io.Writer, st *core.Status) {
	fmt.Fprintf(w, "Enabled:  %t\n", st.Enabled)
	fmt.Fprintf(w, "State:    %s\n", colorizeState(st.State))
	fmt.Fprintf(w, "Schedule: %s\n", formatSchedule(st.Schedule))
	if st.Connected != nil {
		connected := color.RedString("unreachable")
		if *st.Connected {
			connected = color.GreenString("connected")
		}
		fmt.Fprintf(w, "Task center: %s\n", connected)
	}
	if st.CurrentTask != nil {
		fmt.Fprintf(w, "Current:  %s %s since %s\n",
			st.CurrentTask.ID, colorizeOutcome(st.CurrentTask.Outcome), formatTime(st.CurrentTask.StartedAt))
	}
	if st.NextTick != nil {
		fmt.Fprintf(w, "Next evaluation: %s\n", formatTime(*st.NextTick))
	}
	if len(st.History) > 0 {
		fmt.Fprintln(w)
		printRecords(w, st.History)
	}
}

func printRecords(w io.Writer, records []core.TaskRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tOUTCOME\tERROR")
	for _, rec := range records {
		duration := "-"
		if rec.EndedAt != nil {
			duration = rec.EndedAt.Sub(rec.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, formatTime(rec.StartedAt), duration, colorizeOutcome(rec.Outcome), rec.Error)
	}
	_ = tw.Flush()
}

func formatSchedule(windows []core.TimeWindow) string {
	if len(windows) == 0 {
		return "(none, always run while enabled)"
	}
	parts := make([]string, len(windows))
	for i, w := range windows {
		parts[i] = w.String()
	}
	return strings.Join(parts, ", ")
}

func formatTime(t time.Time) string {
	return t.Local().Format(time.DateTime)
}

func colorizeState(s core.State) string {
	switch s {
	case core.StateRunning:
		return color.GreenString(string(s))
	case core.StateStopping:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func colorizeOutcome(o core.Outcome) string {
	switch o {
	case core.OutcomeRunning:
		return color.New(color.FgHiGreen).Sprint(o)
	case core.OutcomeCompleted:
		return color.GreenString(string(o))
	case core.OutcomeFailed:
		return color.RedString(string(o))
	case core.OutcomeCancelled:
		return color.YellowString(string(o))
	default:
		return string(o)
	}
}
