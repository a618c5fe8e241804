package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jimyag/disktool/internal/disktool/ops"
	"github.com/jimyag/disktool/pkg/diskerr"
)

func newConvertCommand() *cobra.Command {
	var (
		expanding bool
		plain     bool
		hdd       string
	)

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Convert a disk between plain and expanding preallocation",
		RunE: func(_ *cobra.Command, _ []string) error {
			diskPath, err := resolveDiskPath(hdd)
			if err != nil {
				return err
			}
			if expanding == plain {
				return diskerr.New(diskerr.InvalidArgs,
					"either --plain or --expanding must be specified")
			}
			if ops.IsPloop(diskPath) {
				return ops.PloopUnsupported("convert")
			}

			prealloc := ops.PreallocationExpanding
			if plain {
				prealloc = ops.PreallocationPlain
			}
			return withEnv(func(ctx context.Context, env *ops.Env) error {
				return env.Convert(ctx, diskPath, prealloc)
			})
		},
	}

	cmd.Flags().BoolVar(&expanding, "expanding", false,
		"Convert disk to expanding (increasing capacity)")
	cmd.Flags().BoolVar(&plain, "plain", false,
		"Convert disk to plain (fixed capacity)")
	cmd.Flags().StringVar(&hdd, "hdd", "", "Full path to the disk")
	return cmd
}
