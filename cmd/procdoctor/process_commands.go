package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/procdoctor/pkg/client"
)

// StartFlags holds flags for the start command.
type StartFlags struct {
	Name    string
	WorkDir string
	Env     []string
	Port    int
}

func createStartCommand(c command) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start [flags] -- command [args...]",
		Short: "Launch a worker",
		Long: `Launch a worker process under the server's supervision.

Examples:
  procdoctor start -- java -Xmx512m -jar app.jar
  procdoctor start --name=worker --port=9010 -- ./sampleworker --port 9010`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStart(cmd.Context(), *f, args)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "display name")
	cmd.Flags().StringVar(&f.WorkDir, "work-dir", "", "absolute working directory")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "extra KEY=VALUE for the worker (repeatable)")
	cmd.Flags().IntVar(&f.Port, "port", 0, "port of the worker's control agent and /metrics")
	return cmd
}

func (c command) runStart(ctx context.Context, f StartFlags, argv []string) error {
	p, err := c.client().Start(ctx, client.StartRequest{
		Name: f.Name, Command: argv, WorkDir: f.WorkDir, Env: f.Env, Port: f.Port,
	})
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, p)
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "started %d (pid %d)\n", p.ID, p.PID)
	return nil
}

func createPsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ps, err := c.client().List(cmd.Context())
			if err != nil {
				return err
			}
			if c.flags.JSON {
				printJSON(c.out, ps)
				return nil
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tPID\tPORT\tSTATE\tAGE\tCOMMAND")
			for _, p := range ps {
				state := "running"
				if !p.Running {
					state = fmt.Sprintf("exited(%d)", p.ExitCode)
				}
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\t%s\n", p.ID, p.Name, p.PID, p.Port, state,
					time.Since(p.CreatedAt).Truncate(time.Second), strings.Join(p.Command, " "))
			}
			return tw.Flush()
		},
	}
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>...",
		Short: "Stop workers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := c.client()
			for _, a := range args {
				id, err := parseID(a)
				if err != nil {
					return err
				}
				if err := cl.Stop(cmd.Context(), id); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(c.out, "stopped %d\n", id)
			}
			return nil
		},
	}
}

// LogsFlags holds flags for the logs command.
type LogsFlags struct {
	Grep       string
	Regex      string
	IgnoreCase bool
	Limit      int
	Follow     bool
}

func createLogsCommand(c command) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show retained output of a worker",
		Long: `Show the most recent retained output lines of a worker, optionally
filtered. With --follow, retained lines are printed and then live lines
until the worker is stopped or the command is interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return c.runLogs(cmd.Context(), id, *f)
		},
	}
	cmd.Flags().StringVar(&f.Grep, "grep", "", "substring filter")
	cmd.Flags().StringVar(&f.Regex, "regex", "", "regular expression filter")
	cmd.Flags().BoolVarP(&f.IgnoreCase, "ignore-case", "i", false, "case-insensitive filters")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 200, "maximum lines")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "stream live output")
	return cmd
}

func (c command) runLogs(ctx context.Context, id int64, f LogsFlags) error {
	cl := c.client()
	if !f.Follow {
		lines, err := cl.Logs(ctx, id, client.LogQuery{Contains: f.Grep, Regex: f.Regex, IgnoreCase: f.IgnoreCase, Limit: f.Limit})
		if err != nil {
			return err
		}
		for _, l := range lines {
			_, _ = fmt.Fprintln(c.out, l)
		}
		return nil
	}
	if f.Grep != "" || f.Regex != "" {
		return fmt.Errorf("--follow does not support filters")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return cl.Follow(ctx, id, func(line string) bool {
		_, _ = fmt.Fprintln(c.out, line)
		return true
	})
}

func createHistoryCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "history [id]",
		Short: "Show launch history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl := c.client()
			var recs []client.HistoryRecord
			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				r, err := cl.HistoryOf(cmd.Context(), id)
				if err != nil {
					return err
				}
				recs = append(recs, r)
			} else {
				all, err := cl.History(cmd.Context())
				if err != nil {
					return err
				}
				recs = all
			}
			if c.flags.JSON {
				printJSON(c.out, recs)
				return nil
			}
			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tPID\tSTARTED\tSTOPPED\tCOMMAND")
			for _, r := range recs {
				stopped := "-"
				if r.StoppedAt != nil {
					stopped = r.StoppedAt.Format(time.RFC3339)
				}
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n", r.ID, r.Name, r.PID,
					r.StartedAt.Format(time.RFC3339), stopped, strings.Join(r.Command, " "))
			}
			return tw.Flush()
		},
	}
}

func createUsageCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <id>",
		Short: "Sample CPU and memory of a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			u, err := c.client().Usage(cmd.Context(), id)
			if err != nil {
				return err
			}
			if c.flags.JSON {
				printJSON(c.out, u)
				return nil
			}
			_, _ = fmt.Fprintf(c.out, "pid %d cpu %.1f%% rss %.1fMiB threads %d\n",
				u.PID, u.CPUPercent, float64(u.RSS)/(1<<20), u.NumThreads)
			return nil
		},
	}
}
