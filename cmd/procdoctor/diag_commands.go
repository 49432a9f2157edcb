package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/procdoctor/pkg/client"
)

func createSamplingCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "sampling <id> [on|off]",
		Short: "Show or toggle the worker's sampling flag",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.runSampling(cmd.Context(), id, args[1:])
		},
	}
}

func (c command) runSampling(ctx context.Context, id int64, rest []string) error {
	cl := c.client()
	if len(rest) == 1 {
		enabled, err := onOff(rest[0])
		if err != nil {
			return err
		}
		if err := cl.SetSampling(ctx, id, enabled); err != nil {
			return err
		}
	}
	enabled, err := cl.Sampling(ctx, id)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, map[string]bool{"enabled": enabled})
		return nil
	}
	state := "off"
	if enabled {
		state = "on"
	}
	_, _ = fmt.Fprintf(c.out, "sampling %s\n", state)
	return nil
}

func createRecordCommand(c command) *cobra.Command {
	f := &RecordFlags{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Start or stop an in-process recording",
	}
	start := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := c.client().StartRecording(cmd.Context(), id, f.Name, f.MaxAge); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(c.out, "recording started")
			return nil
		},
	}
	start.Flags().StringVar(&f.Name, "name", "", "recording name")
	start.Flags().DurationVar(&f.MaxAge, "max-age", 0, "stop automatically after this long")

	stop := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop the active recording and write it out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			path, err := c.client().StopRecording(cmd.Context(), id, f.Path)
			if err != nil {
				return err
			}
			if path == "" {
				_, _ = fmt.Fprintln(c.out, "no active recording")
				return nil
			}
			_, _ = fmt.Fprintln(c.out, path)
			return nil
		},
	}
	stop.Flags().StringVar(&f.Path, "path", "", "absolute output path")

	cmd.AddCommand(start, stop)
	return cmd
}

func createHeapCommand(c command) *cobra.Command {
	f := &HeapFlags{}
	cmd := &cobra.Command{
		Use:   "heap",
		Short: "Heap snapshot and histogram",
	}
	dump := &cobra.Command{
		Use:   "dump <id>",
		Short: "Write a heap snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			path, err := c.client().HeapSnapshot(cmd.Context(), id, f.Path, !f.All)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(c.out, path)
			return nil
		},
	}
	dump.Flags().StringVar(&f.Path, "path", "", "absolute output path")
	dump.Flags().BoolVar(&f.All, "all", false, "include unreachable objects")

	histo := &cobra.Command{
		Use:   "histo <id>",
		Short: "Show the top heap histogram rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.runHistogram(cmd.Context(), id, f.Limit)
		},
	}
	histo.Flags().IntVarP(&f.Limit, "limit", "n", 25, "rows to show")

	cmd.AddCommand(dump, histo)
	return cmd
}

func (c command) runHistogram(ctx context.Context, id int64, limit int) error {
	rows, err := c.client().HeapHistogram(ctx, id, limit)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, rows)
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(tw, "RANK\tINSTANCES\tBYTES\tCLASS\t")
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t\n", r.Rank, r.Instances, r.Bytes, r.ClassName)
	}
	return tw.Flush()
}

func createGCLogCommand(c command) *cobra.Command {
	f := &GCLogFlags{}
	cmd := &cobra.Command{
		Use:   "gclog <id>",
		Short: "Enable or disable GC logging in the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			path, err := c.client().SetGCLogging(cmd.Context(), id, !f.Off, f.Path)
			if err != nil {
				return err
			}
			if f.Off {
				_, _ = fmt.Fprintln(c.out, "gc logging disabled")
				return nil
			}
			_, _ = fmt.Fprintln(c.out, path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&f.Off, "off", false, "disable instead of enable")
	cmd.Flags().StringVar(&f.Path, "path", "", "absolute log path")
	return cmd
}

func createLoadExtCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "load-ext <id> <path>",
		Short: "Load an extension into the worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			loaded, err := c.client().LoadExtension(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(c.out, "loaded %s\n", strconv.FormatBool(loaded))
			return nil
		},
	}
}

func createProfileCommand(c command) *cobra.Command {
	f := &ProfileFlags{}
	cmd := &cobra.Command{
		Use:   "profile <id>",
		Short: "Run the external sampling profiler against a worker",
		Long: `Submit a profiler run as a background task. The server needs the
profiler installation directory in its environment.

Examples:
  procdoctor profile 1 --duration 30 --event alloc
  procdoctor tasks`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			run, err := c.client().Profile(cmd.Context(), id, client.ProfileRequest{
				DurationSeconds: f.Duration, Event: f.Event, Format: f.Format, OutputPath: f.Path,
			})
			if err != nil {
				return err
			}
			if c.flags.JSON {
				printJSON(c.out, run)
				return nil
			}
			_, _ = fmt.Fprintf(c.out, "task %d writing %s\n", run.TaskID, run.OutputPath)
			return nil
		},
	}
	cmd.Flags().IntVarP(&f.Duration, "duration", "d", 0, "seconds to sample")
	cmd.Flags().StringVarP(&f.Event, "event", "e", "", "event to sample (cpu, alloc, lock...)")
	cmd.Flags().StringVarP(&f.Format, "output", "o", "", "output format (svg, html, jfr...)")
	cmd.Flags().StringVar(&f.Path, "path", "", "absolute output path")
	return cmd
}

func createMetricsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <id>",
		Short: "Print the worker's own metrics exposition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			text, err := c.client().WorkerMetrics(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(c.out, text)
			return nil
		},
	}
}

func createTasksCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks [id]",
		Short: "List background tasks or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := c.client()
			var infos []client.TaskInfo
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				info, err := cl.Task(cmd.Context(), id)
				if err != nil {
					return err
				}
				infos = append(infos, info)
			} else {
				all, err := cl.Tasks(cmd.Context())
				if err != nil {
					return err
				}
				infos = all
			}
			if c.flags.JSON {
				printJSON(c.out, infos)
				return nil
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tSTATE\tSUBMITTED\tERROR")
			for _, t := range infos {
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.State,
					t.SubmittedAt.Format(time.RFC3339), t.Error)
			}
			return tw.Flush()
		},
	}
	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ok, err := c.client().CancelTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !ok {
				_, _ = fmt.Fprintf(c.out, "task %d already finished\n", id)
				return nil
			}
			_, _ = fmt.Fprintf(c.out, "cancelled %d\n", id)
			return nil
		},
	}
	cmd.AddCommand(cancel)
	return cmd
}
