package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jimyag/disktool/internal/disktool/ops"
	"github.com/jimyag/disktool/pkg/diskerr"
)

func newResizeCommand() *cobra.Command {
	var (
		size            string
		resizePartition bool
		force           bool
		hdd             string
		info            bool
		units           string
	)

	cmd := &cobra.Command{
		Use:   "resize",
		Short: "Resize a virtual disk, or display resizing estimates (--info)",
		RunE: func(_ *cobra.Command, _ []string) error {
			diskPath, err := resolveDiskPath(hdd)
			if err != nil {
				return err
			}

			if info {
				unit := ops.UnitM
				if units != "" {
					if unit, err = ParseUnit(units); err != nil {
						return err
					}
				}
				if ops.IsPloop(diskPath) {
					return ops.PloopUnsupported("resize --info")
				}
				return withEnv(func(ctx context.Context, env *ops.Env) error {
					return env.ResizeInfo(ctx, diskPath, unit)
				})
			}

			if size == "" {
				return diskerr.New(diskerr.InvalidArgs, "target size not found")
			}
			sizeMB, err := ParseSizeMB(size)
			if err != nil {
				return err
			}

			return withEnv(func(ctx context.Context, env *ops.Env) error {
				if ops.IsPloop(diskPath) {
					return env.PloopResize(diskPath, sizeMB)
				}
				return env.Resize(ctx, ops.ResizeRequest{
					DiskPath:              diskPath,
					TargetMB:              sizeMB,
					ConsiderLastPartition: resizePartition,
					Force:                 force,
				})
			})
		},
	}

	cmd.Flags().StringVar(&size, "size", "", "Set the virtual hard disk size (N[K|M|G|T])")
	cmd.Flags().BoolVar(&resizePartition, "resize_partition", false,
		"Resize the last partition and its filesystem")
	cmd.Flags().BoolVar(&force, "force", false, "Accepted for compatibility; has no effect")
	cmd.Flags().StringVar(&hdd, "hdd", "", "Full path to the disk")
	cmd.Flags().BoolVarP(&info, "info", "i", false, "Display estimates")
	cmd.Flags().StringVar(&units, "units", "", "Units to display disk size (K|M|G)")
	return cmd
}
