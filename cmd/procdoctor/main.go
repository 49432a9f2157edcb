package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/procdoctor/pkg/client"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		if hint := hintOf(err); hint != "" {
			_, _ = fmt.Fprintln(os.Stderr, "hint:", hint)
		}
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	JSON       bool
}

// command carries what every subcommand needs: a way to reach the server
// and somewhere to write.
type command struct {
	flags *GlobalFlags
	out   io.Writer
}

func (c command) client() *client.Client {
	cfg := client.Config{BaseURL: c.flags.APIUrl, Timeout: c.flags.APITimeout}
	if c.flags.CACert != "" || c.flags.Insecure {
		cfg.TLS = &client.TLSConfig{CACert: c.flags.CACert, SkipVerify: c.flags.Insecure}
	}
	return client.New(cfg)
}

func buildRoot(out io.Writer) *cobra.Command {
	flags := &GlobalFlags{}
	c := command{flags: flags, out: out}

	root := &cobra.Command{
		Use:   "procdoctor",
		Short: "Supervise and diagnose local worker processes",
		Long: `procdoctor launches worker processes, keeps their recent output,
records their history and sends diagnostic commands to them.

Examples:
  procdoctor serve procdoctor.toml
  procdoctor start --name=api -- ./api-server --port 9010
  procdoctor ps
  procdoctor logs 1 --grep ERROR --follow
  procdoctor heap histo 1 --limit 20`,
		SilenceUsage: true,
	}
	root.SetOut(out)
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	pf.StringVar(&flags.APIUrl, "api-url", client.DefaultConfig().BaseURL, "server API URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", client.DefaultConfig().Timeout, "request timeout")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an HTTPS server")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	pf.BoolVar(&flags.JSON, "json", false, "print JSON output")

	root.AddCommand(
		createServeCommand(flags, out),
		createStartCommand(c),
		createPsCommand(c),
		createStopCommand(c),
		createLogsCommand(c),
		createHistoryCommand(c),
		createUsageCommand(c),
		createSamplingCommand(c),
		createRecordCommand(c),
		createHeapCommand(c),
		createGCLogCommand(c),
		createLoadExtCommand(c),
		createProfileCommand(c),
		createMetricsCommand(c),
		createTasksCommand(c),
	)
	return root
}
