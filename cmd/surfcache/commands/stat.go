package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/surfcache"
)

type statOutput struct {
	Dir      string `yaml:"dir"`
	Entries  int    `yaml:"entries"`
	Blobs    int    `yaml:"blobs"`
	Bytes    int64  `yaml:"bytes"`
	Capacity int64  `yaml:"capacity"`
}

func (c *CLI) newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print what the cache directory holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			comp, err := cfg.build(stderrOf(cmd), nil)
			if err != nil {
				return err
			}
			defer comp.close()

			// keep the index as loaded
			comp.opts.FlushInterval = -1
			cache, err := surfcache.New(comp.opts)
			if err != nil {
				return err
			}
			st := cache.Stats()
			closeErr := cache.Close(context.WithoutCancel(cmd.Context()))

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			err = enc.Encode(statOutput{
				Dir:      cfg.Dir,
				Entries:  st.Store.Entries,
				Blobs:    st.Store.Blobs,
				Bytes:    st.Store.Bytes,
				Capacity: st.Store.Capacity,
			})
			return errors.Join(err, enc.Close(), closeErr)
		},
	}
}
