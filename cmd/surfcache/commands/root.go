// Package commands implements the surfcache CLI.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Version is set at build time.
var Version = "dev"

// CLI represents the command line interface for surfcache.
type CLI struct {
	rootCmd *cobra.Command

	configPath string
	dir        string
	metrics    bool
}

// New creates a new CLI instance.
func New() *CLI {
	rootCmd := &cobra.Command{
		Use:           "surfcache",
		Short:         "Compute, cache and inspect advisory surface slices",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	rootCmd.InitDefaultVersionFlag()
	rootCmd.Flags().Lookup("version").Usage = "Print the application version"
	rootCmd.InitDefaultHelpFlag()
	rootCmd.Flags().Lookup("help").Usage = "Show help for command"

	c := &CLI{rootCmd: rootCmd}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "YAML config file (default ./"+DefaultConfigFile+" if present)")
	pf.StringVarP(&c.dir, "dir", "d", "", "Cache directory; overrides the config file")
	pf.BoolVar(&c.metrics, "metrics", false, "Collect and print cache metrics")

	rootCmd.AddCommand(c.newRenderCmd())
	rootCmd.AddCommand(c.newStatCmd())
	rootCmd.AddCommand(c.newGCCmd())

	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams for the root command. Used for testing.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

// config loads the effective configuration for a command.
func (c *CLI) config() (Config, error) {
	path, required := c.configPath, true
	if path == "" {
		path, required = DefaultConfigFile, false
	}
	cfg, err := LoadConfig(path, required)
	if err != nil {
		return cfg, err
	}
	if c.dir != "" {
		cfg.Dir = c.dir
	}
	if c.metrics {
		cfg.Hooks.Metrics = true
	}
	return cfg, nil
}

// meter returns a meter backed by a manual reader when metrics are enabled.
func meter(enabled bool) (metric.Meter, *sdkmetric.ManualReader) {
	if !enabled {
		return nil, nil
	}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return mp.Meter("github.com/unkn0wn-root/surfcache"), reader
}

// printMetrics writes every collected counter as "name{attrs} value".
func printMetrics(ctx context.Context, w io.Writer, reader *sdkmetric.ManualReader) error {
	if reader == nil {
		return nil
	}
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return err
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					_, _ = fmt.Fprintf(w, "%s%s %d\n", m.Name, attrString(dp.Attributes.ToSlice()), dp.Value)
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					_, _ = fmt.Fprintf(w, "%s%s count=%d sum=%.3f\n", m.Name, attrString(dp.Attributes.ToSlice()), dp.Count, dp.Sum)
				}
			}
		}
	}
	return nil
}

func stderrOf(cmd *cobra.Command) io.Writer {
	if w := cmd.ErrOrStderr(); w != nil {
		return w
	}
	return os.Stderr
}
