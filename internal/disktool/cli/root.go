// Package cli 定义命令行界面
//
// disktool [--verbose|-v] [--dry-run|-n] <operation> [operation-args]
//
// 操作的语义都在 ops 包里，这里只做参数解析和环境搭建。
package cli

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jimyag/disktool/internal/disktool/config"
	"github.com/jimyag/disktool/internal/disktool/ops"
	"github.com/jimyag/disktool/pkg/abort"
	"github.com/jimyag/disktool/pkg/diskerr"
	"github.com/jimyag/disktool/pkg/runner"
)

var (
	flagVerbose bool
	flagDryRun  bool
)

// NewRootCommand 构造命令树
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "disktool",
		Short:         "Offline virtual disk image manipulation tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			level := zerolog.WarnLevel
			if flagVerbose {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
		},
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"Print details of performed actions")
	root.PersistentFlags().BoolVarP(&flagDryRun, "dry-run", "n", false,
		"Do not actually do anything")

	root.AddCommand(newResizeCommand())
	root.AddCommand(newCompactCommand())
	root.AddCommand(newMergeCommand())
	root.AddCommand(newConvertCommand())
	return root
}

// withEnv 搭建操作环境并执行 f
// 信号监听在操作期间运行，结束后停掉
func withEnv(f func(ctx context.Context, env *ops.Env) error) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}

	token := &abort.Token{}
	sig := abort.NewSignal(token)
	sig.Start()
	defer sig.Stop()

	real := runner.NewReal(token).WithTimeout(cfg.TimeoutS)
	var run runner.Runner = real
	if flagDryRun {
		run = runner.NewDryRun(real)
	}

	env := ops.NewEnv(cfg, run, token)
	ctx := log.Logger.WithContext(context.Background())
	return f(ctx, env)
}

// resolveDiskPath 校验并规范化 --hdd 参数
func resolveDiskPath(path string) (string, error) {
	if path == "" {
		return "", diskerr.New(diskerr.InvalidArgs, "--hdd is required")
	}
	normalized, ok := ops.NormalizeDiskPath(path)
	if !ok {
		return "", diskerr.Newf(diskerr.InvalidHdd, "invalid disk path %q", path)
	}
	return normalized, nil
}
