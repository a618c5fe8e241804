// Package qemuimg 封装 qemu-img 命令行工具的操作
//
// 该包提供对 qemu-img 常用操作的封装，包括：
//   - 读取 backing 链信息（Chain）
//   - 创建空镜像和 overlay 镜像（CreateEmpty / CreateOverlay）
//   - 原地调整虚拟大小（ResizeMB）
//   - 镜像复制和预分配转换（Convert）
//   - 把 overlay 提交回 base（Commit / CommitBase）
//   - 内部快照管理（CreateSnapshot / ApplySnapshot / DeleteSnapshot / ListSnapshots）
//
// 所有调用都经过 runner.Runner，dry-run 和取消行为由 Runner 统一处理。
package qemuimg

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/rs/zerolog"

	"github.com/jimyag/disktool/pkg/diskerr"
	"github.com/jimyag/disktool/pkg/runner"
)

// Client 封装 qemu-img 命令行工具的操作
type Client struct {
	qemuImgPath string
	run         runner.Runner
}

// New 创建新的 qemuimg client
// qemuImgPath 为空时使用默认的 "qemu-img"
func New(qemuImgPath string, run runner.Runner) *Client {
	if qemuImgPath == "" {
		qemuImgPath = "qemu-img"
	}
	return &Client{qemuImgPath: qemuImgPath, run: run}
}

// Chain 读取镜像的完整 backing 链，base 在前
func (c *Client) Chain(ctx context.Context, imagePath string) (Chain, error) {
	res, err := c.run.Query(ctx, runner.Command{
		Program:       c.qemuImgPath,
		Args:          []string{"info", "--backing-chain", "--output=json", imagePath},
		CaptureStdout: true,
		CaptureStderr: true,
	})
	if err != nil {
		return Chain{}, err
	}
	if res.ExitCode != 0 {
		return Chain{}, diskerr.NewSubprogramFailed(c.qemuImgPath,
			[]string{"info", "--backing-chain", imagePath}, res.ExitCode)
	}

	chain, err := ParseChain(res.Stdout, dirOf(imagePath))
	if err != nil {
		return Chain{}, err
	}
	zerolog.Ctx(ctx).Debug().Msgf("Backing chain:\n%s", chain.String())
	return chain, nil
}

// CreateEmpty 创建空的 qcow2 镜像
func (c *Client) CreateEmpty(ctx context.Context, outputFile string, sizeMB uint64) error {
	return c.create(ctx, []string{
		"create", "-f", DiskFormat,
		"-o", "lazy_refcounts=on",
		outputFile, fmt.Sprintf("%dM", sizeMB),
	})
}

// CreateOverlay 创建以 backingFile 为底的 overlay 镜像
func (c *Client) CreateOverlay(ctx context.Context, outputFile, backingFile string, sizeMB uint64) error {
	return c.create(ctx, []string{
		"create", "-f", DiskFormat,
		"-o", fmt.Sprintf("backing_file=%s,backing_fmt=%s,lazy_refcounts=on", backingFile, DiskFormat),
		outputFile, fmt.Sprintf("%dM", sizeMB),
	})
}

func (c *Client) create(ctx context.Context, args []string) error {
	res, err := c.run.Mutate(ctx, runner.Command{
		Program:       c.qemuImgPath,
		Args:          args,
		CaptureStderr: true,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return diskerr.NewSubprogramFailed(c.qemuImgPath, args, res.ExitCode)
	}
	return nil
}

// ResizeMB 原地调整镜像的虚拟大小
func (c *Client) ResizeMB(ctx context.Context, imagePath string, sizeMB uint64) error {
	args := []string{"resize", imagePath, fmt.Sprintf("%dM", sizeMB)}
	res, err := c.run.Mutate(ctx, runner.Command{
		Program:       c.qemuImgPath,
		Args:          args,
		CaptureStderr: true,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return diskerr.NewSubprogramFailed(c.qemuImgPath, args, res.ExitCode)
	}
	return nil
}

// Convert 把镜像复制为新的 qcow2 文件
// options 是 qemu-img convert 的 -o 选项（如 preallocation=falloc），可以为空
func (c *Client) Convert(ctx context.Context, inputFile, outputFile, options string) error {
	args := []string{"convert", "-f", DiskFormat, "-O", DiskFormat}
	if options != "" {
		args = append(args, "-o", options)
	}
	args = append(args, inputFile, outputFile)
	res, err := c.run.Mutate(ctx, runner.Command{
		Program:       c.qemuImgPath,
		Args:          args,
		CaptureStderr: true,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return diskerr.NewSubprogramFailed(c.qemuImgPath, args, res.ExitCode)
	}
	return nil
}

// Commit 把 top 镜像提交进它的直接 backing 镜像
func (c *Client) Commit(ctx context.Context, topPath string) error {
	return c.commit(ctx, []string{"commit", topPath})
}

// CommitBase 把 top 到 base 之间的修改全部提交进 base
// 需要 qemu-img 支持 commit -b（见 CommitBaseSupported）
func (c *Client) CommitBase(ctx context.Context, basePath, topPath string) error {
	return c.commit(ctx, []string{"commit", "-b", basePath, topPath})
}

func (c *Client) commit(ctx context.Context, args []string) error {
	res, err := c.run.Mutate(ctx, runner.Command{
		Program:       c.qemuImgPath,
		Args:          args,
		CaptureStderr: true,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return diskerr.NewSubprogramFailed(c.qemuImgPath, args, res.ExitCode)
	}
	return nil
}

// commitBaseRE 匹配 qemu-img --help 中带 -b 选项的 commit 用法行
// TODO: 换成版本号判断，--help 的格式在 qemu 版本间并不稳定
var commitBaseRE = regexp.MustCompile(`(?m)^\s*commit.*-b.*$`)

// CommitBaseSupported 探测 qemu-img commit 是否支持 -b 选项
func (c *Client) CommitBaseSupported(ctx context.Context) (bool, error) {
	res, err := c.run.Query(ctx, runner.Command{
		Program:       c.qemuImgPath,
		Args:          []string{"--help"},
		CaptureStdout: true,
	})
	if err != nil {
		return false, err
	}
	// qemu-img --help 返回码在版本间不一致，只看输出
	supported := commitBaseRE.Match(res.Stdout)
	zerolog.Ctx(ctx).Debug().Msgf("Backing file specification [-b] is %ssupported",
		map[bool]string{true: "", false: "not "}[supported])
	return supported, nil
}

func dirOf(path string) string {
	return filepath.Dir(path)
}
