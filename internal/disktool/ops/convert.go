package ops

import (
	"context"
	"strconv"

	"github.com/jimyag/disktool/pkg/diskerr"
	"github.com/jimyag/disktool/pkg/disklock"
	"github.com/jimyag/disktool/pkg/runner"
)

// Preallocation 预分配方式
type Preallocation int

const (
	// PreallocationExpanding 懒分配，按写入增长
	PreallocationExpanding Preallocation = iota
	// PreallocationPlain 全量分配
	PreallocationPlain
)

// Convert 在 plain 和 expanding 预分配之间转换
//
// 只能转换单镜像：overlay 链要先 merge。转换通过复制完成，
// 成功后临时文件改名覆盖原镜像。
func (e *Env) Convert(ctx context.Context, diskPath string, prealloc Preallocation) error {
	guard, err := disklock.OpenWrite(diskPath)
	if err != nil {
		return err
	}
	defer func() { _ = guard.Close() }()

	chain, err := e.Qemu.Chain(ctx, diskPath)
	if err != nil {
		return err
	}
	if chain.Length() > 1 {
		return diskerr.Newf(diskerr.CannotConvertNeedMerge,
			"cannot convert image %q with backing chain: merge snapshots first", diskPath)
	}
	top := chain.Top()
	if err := e.Qemu.EnsureNoSnapshots(ctx, top.Filename); err != nil {
		return err
	}

	var needed uint64
	switch prealloc {
	case PreallocationExpanding:
		needed = top.ActualSize
	case PreallocationPlain:
		needed = top.VirtualSize
	}
	if avail := availableSpace(top.Filename); needed > avail {
		return diskerr.NewNoFreeSpace(needed, avail)
	}
	if err := e.checkCancelled(); err != nil {
		return err
	}

	tmpPath := tmpImagePath(top.Filename)
	dropGuard := NewDropGuard(func() { removeIfExists(tmpPath) })
	defer dropGuard.Run()

	if err := e.Qemu.Convert(ctx, top.Filename, tmpPath, ""); err != nil {
		return err
	}

	if prealloc == PreallocationPlain {
		args := []string{"-l", strconv.FormatUint(top.VirtualSize, 10), tmpPath}
		res, err := e.Run.Mutate(ctx, runner.Command{
			Program:       "fallocate",
			Args:          args,
			CaptureStderr: true,
		})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return diskerr.NewSubprogramFailed("fallocate", args, res.ExitCode)
		}
	}

	if err := e.Run.Rename(ctx, tmpPath, top.Filename); err != nil {
		return err
	}
	dropGuard.Disarm()
	return nil
}
