package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/surfcache/diskstore"
)

func (c *CLI) newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Rebuild the index from refs and prune unreferenced objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			if cfg.Dir == "" {
				return errors.New("gc needs a cache directory (--dir or dir: in the config)")
			}
			ds, err := diskstore.Open(diskstore.Options{Root: cfg.Dir})
			if err != nil {
				return err
			}
			defer func() { _ = ds.Close(cmd.Context()) }()

			recs, err := ds.Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			var bytes int64
			blobs := make(map[string]struct{}, len(recs))
			for _, r := range recs {
				if _, ok := blobs[r.Hash]; !ok {
					blobs[r.Hash] = struct{}{}
					bytes += r.Size
				}
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d entries, %d blobs, %d bytes\n", len(recs), len(blobs), bytes)
			return nil
		},
	}
}
