package ops

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jimyag/disktool/pkg/diskerr"
	"github.com/jimyag/disktool/pkg/disklock"
	"github.com/jimyag/disktool/pkg/qemuimg"
)

// MergePolicy 外部快照链的合并策略
type MergePolicy interface {
	// NeededSpace 返回合并需要的额外空间（字节）
	NeededSpace(chain qemuimg.Chain) uint64
	// Commit 执行合并，结果落在 base 镜像里
	Commit(ctx context.Context, chain qemuimg.Chain) error
}

// DirectMerge 用 commit -b 一次性把整条链合并进 base
type DirectMerge struct {
	qemu *qemuimg.Client
}

var _ MergePolicy = (*DirectMerge)(nil)

// NeededSpace 实现 MergePolicy 接口
//
// A'[n] = A[n]；A'[i] = min(V, A[i] + A'[i+1])；需要 Σ A'ᵢ − A₀。
func (m *DirectMerge) NeededSpace(chain qemuimg.Chain) uint64 {
	list := chain.List()
	virtualSizeMax := chain.VirtualSizeMax()

	var delta uint64
	prevActualSize := list[len(list)-1].ActualSize
	for i := len(list) - 2; i >= 0; i-- {
		actualSize := list[i].ActualSize + prevActualSize
		if actualSize > virtualSizeMax {
			actualSize = virtualSizeMax
		}
		delta += actualSize - list[i].ActualSize
		prevActualSize = actualSize
	}
	return delta
}

// Commit 实现 MergePolicy 接口
func (m *DirectMerge) Commit(ctx context.Context, chain qemuimg.Chain) error {
	return m.qemu.CommitBase(ctx, chain.Base().Filename, chain.Top().Filename)
}

// SequentialMerge 从 top 开始逐级 commit 进父镜像
type SequentialMerge struct {
	qemu *qemuimg.Client
}

var _ MergePolicy = (*SequentialMerge)(nil)

// NeededSpace 实现 MergePolicy 接口
// base 是原地改写的，需要 min(ΣAᵢ, V) − A₀
func (m *SequentialMerge) NeededSpace(chain qemuimg.Chain) uint64 {
	actualSizeSum := chain.ActualSizeSum()
	virtualSizeMax := chain.VirtualSizeMax()

	resultSize := actualSizeSum
	if virtualSizeMax < resultSize {
		resultSize = virtualSizeMax
	}
	return resultSize - chain.Base().ActualSize
}

// Commit 实现 MergePolicy 接口
func (m *SequentialMerge) Commit(ctx context.Context, chain qemuimg.Chain) error {
	list := chain.List()
	for i := len(list) - 1; i > 0; i-- {
		if err := m.qemu.Commit(ctx, list[i].Filename); err != nil {
			return err
		}
	}
	return nil
}

// ExternalMergePolicy 按 qemu-img 的能力选择合并策略
func (e *Env) ExternalMergePolicy(ctx context.Context) (MergePolicy, error) {
	supported, err := e.Qemu.CommitBaseSupported(ctx)
	if err != nil {
		return nil, err
	}
	if supported {
		return &DirectMerge{qemu: e.Qemu}, nil
	}
	return &SequentialMerge{qemu: e.Qemu}, nil
}

// MergeExternal 把磁盘的整条 backing 链合并为单个镜像
func (e *Env) MergeExternal(ctx context.Context, diskPath string) error {
	guard, err := disklock.OpenWrite(diskPath)
	if err != nil {
		return err
	}
	defer func() { _ = guard.Close() }()

	chain, err := e.Qemu.Chain(ctx, diskPath)
	if err != nil {
		return err
	}

	// 被改写的镜像中的内部快照会丢失，先确认没有
	for _, img := range chain.List()[1:] {
		if err := e.Qemu.EnsureNoSnapshots(ctx, img.Filename); err != nil {
			return err
		}
	}

	return e.executeExternalMerge(ctx, chain)
}

// executeExternalMerge 合并一条已经锁定的链
// 单镜像链是空操作
func (e *Env) executeExternalMerge(ctx context.Context, chain qemuimg.Chain) error {
	if chain.Length() <= 1 {
		return nil
	}

	policy, err := e.ExternalMergePolicy(ctx)
	if err != nil {
		return err
	}

	needed := policy.NeededSpace(chain)
	avail := availableSpace(chain.Base().Filename)
	if needed > avail {
		return diskerr.NewNoFreeSpace(needed, avail)
	}

	if err := policy.Commit(ctx, chain); err != nil {
		return err
	}

	list := chain.List()
	if err := e.Run.Rename(ctx, chain.Base().Filename, chain.Top().Filename); err != nil {
		return err
	}
	// base 已经改名成 top，中间的 overlay 不再被引用
	for _, img := range list[1 : len(list)-1] {
		if err := e.Run.Remove(ctx, img.Filename); err != nil {
			return err
		}
	}
	return nil
}

// MergeInternal 删除镜像的全部内部快照
func (e *Env) MergeInternal(ctx context.Context, diskPath string) error {
	guard, err := disklock.OpenWrite(diskPath)
	if err != nil {
		return err
	}
	defer func() { _ = guard.Close() }()

	snapshots, err := e.Qemu.ListSnapshots(ctx, diskPath)
	if err != nil {
		return err
	}
	logger := zerolog.Ctx(ctx)
	for _, snap := range snapshots {
		logger.Debug().Str("id", snap.ID).Str("tag", snap.Tag).Msg("Deleting internal snapshot")
		if err := e.Qemu.DeleteSnapshot(ctx, diskPath, snap.ID); err != nil {
			return err
		}
	}
	return nil
}
