package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jimyag/disktool/internal/disktool/ops"
)

func newCompactCommand() *cobra.Command {
	var (
		force bool
		hdd   string
		info  bool
	)

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Reclaim unused space of a virtual disk, or display estimates (--info)",
		RunE: func(_ *cobra.Command, _ []string) error {
			diskPath, err := resolveDiskPath(hdd)
			if err != nil {
				return err
			}

			if info {
				if ops.IsPloop(diskPath) {
					return ops.PloopUnsupported("compact --info")
				}
				return withEnv(func(ctx context.Context, env *ops.Env) error {
					return env.CompactInfo(ctx, diskPath)
				})
			}

			return withEnv(func(ctx context.Context, env *ops.Env) error {
				if ops.IsPloop(diskPath) {
					return env.PloopCompact(diskPath)
				}
				return env.Compact(ctx, diskPath, force)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Accepted for compatibility; has no effect")
	cmd.Flags().StringVar(&hdd, "hdd", "", "Full path to the disk")
	cmd.Flags().BoolVarP(&info, "info", "i", false, "Display estimates")
	return cmd
}
