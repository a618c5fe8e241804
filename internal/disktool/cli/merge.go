package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jimyag/disktool/internal/disktool/ops"
)

func newMergeCommand() *cobra.Command {
	var (
		external bool
		hdd      string
	)

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge disk snapshots",
		RunE: func(_ *cobra.Command, _ []string) error {
			diskPath, err := resolveDiskPath(hdd)
			if err != nil {
				return err
			}

			return withEnv(func(ctx context.Context, env *ops.Env) error {
				if ops.IsPloop(diskPath) {
					return env.PloopMerge(diskPath)
				}
				if external {
					return env.MergeExternal(ctx, diskPath)
				}
				return env.MergeInternal(ctx, diskPath)
			})
		},
	}

	cmd.Flags().BoolVar(&external, "external", false,
		"Merge external snapshots (default: internal)")
	cmd.Flags().StringVar(&hdd, "hdd", "", "Full path to the disk")
	return cmd
}
