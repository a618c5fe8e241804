package ops

import (
	"fmt"
	"path/filepath"

	"github.com/jimyag/disktool/pkg/diskerr"
)

// ploop 操作没有自己的算法，直接替换进程交给 ploop 工具。
// Exec 成功时不会返回；返回说明替换失败（dry-run 下打印命令后返回 nil）。

func (e *Env) ploopDescriptor(diskPath string) string {
	return filepath.Join(diskPath, Descriptor)
}

// PloopResize 调整 ploop 镜像的大小
func (e *Env) PloopResize(diskPath string, sizeMB uint64) error {
	err := e.Run.Exec(e.Cfg.Ploop, []string{
		"resize", "-s", fmt.Sprintf("%dM", sizeMB), e.ploopDescriptor(diskPath),
	})
	if err != nil {
		return diskerr.Wrap(diskerr.Internal, "ploop execution failed", err)
	}
	return nil
}

// PloopCompact 回收 ploop 镜像的空闲空间
func (e *Env) PloopCompact(diskPath string) error {
	err := e.Run.Exec(e.Cfg.Ploop, []string{
		"balloon", "discard", "--automount", "--defrag", e.ploopDescriptor(diskPath),
	})
	if err != nil {
		return diskerr.Wrap(diskerr.Internal, "ploop execution failed", err)
	}
	return nil
}

// PloopMerge 合并 ploop 镜像的所有快照
func (e *Env) PloopMerge(diskPath string) error {
	err := e.Run.Exec(e.Cfg.Ploop, []string{
		"snapshot-merge", "-A", e.ploopDescriptor(diskPath),
	})
	if err != nil {
		return diskerr.Wrap(diskerr.Internal, "ploop execution failed", err)
	}
	return nil
}

// PloopUnsupported ploop 不支持的操作
func PloopUnsupported(action string) error {
	return diskerr.Newf(diskerr.InvalidArgs,
		"%s is not implemented for ploop", action)
}
