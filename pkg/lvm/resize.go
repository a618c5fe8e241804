package lvm

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jimyag/disktool/pkg/diskerr"
)

// Mode PV 缩放方向
type Mode int

const (
	// Shrink 缩小 PV
	Shrink Mode = iota
	// Expand 扩大 PV
	Expand
)

// Volume 是 Resizer 依赖的底层操作，由 guestfs facade 实现
type Volume interface {
	// PVSize 返回 PV 当前大小（字节）
	PVSize(ctx context.Context) (uint64, error)
	// ResizePV 调整 PV 大小
	ResizePV(ctx context.Context, newSize uint64) error
	// LVSize 返回末尾段所在逻辑卷的当前大小（字节）
	LVSize(ctx context.Context) (uint64, error)
	// ResizeLV 调整逻辑卷大小
	ResizeLV(ctx context.Context, newSize uint64) error
	// FSMinimumSize 返回逻辑卷内文件系统的最小大小（字节）
	FSMinimumSize(ctx context.Context) (uint64, error)
	// ResizeFS 调整逻辑卷内文件系统的大小
	ResizeFS(ctx context.Context, newSize uint64) error
}

// Resizer 执行一个 PV 的缩放
// 前提：PV 所在卷组 resizeable 且 writeable
type Resizer struct {
	phys       Physical
	sectorSize uint64
	vol        Volume
}

// NewResizer 创建 PV Resizer
func NewResizer(phys Physical, sectorSize uint64, vol Volume) *Resizer {
	return &Resizer{phys: phys, sectorSize: sectorSize, vol: vol}
}

// CalculateLVDelta 计算 PV 调整到 newPVSize 时逻辑卷需要变化的字节数
//
// 原始值按 extent 取整：负数远离零取整（更负），正数向零取整。
func (r *Resizer) CalculateLVDelta(newPVSize uint64, last Segment) int64 {
	extentBytes := r.phys.Group.ExtentSizeBytes(r.sectorSize)
	raw := int64(newPVSize) -
		int64(MetadataSectors*r.sectorSize) -
		int64((last.EndExtents+1)*extentBytes)
	return roundDelta(raw, int64(extentBytes))
}

func roundDelta(raw, extent int64) int64 {
	rem := raw % extent
	if rem == 0 {
		return raw
	}
	if raw < 0 {
		// 远离零：更负
		return raw - (extent + rem)
	}
	// 向零
	return raw - rem
}

// AdjustDelta 应用方向相关的修正
//
// 缩小时正的 delta 视为 0（不需要动 LV），不可缩放的段不能变小；
// 扩大时负的 delta 说明 PV 都装不下现有内容，是错误，
// 不可缩放的段保持不动。
func AdjustDelta(mode Mode, delta int64, last Segment) (int64, error) {
	switch mode {
	case Shrink:
		if delta > 0 {
			return 0, nil
		}
		if delta < 0 && !last.Resizeable() {
			return 0, diskerr.Newf(diskerr.UnsupportedPartition,
				"unable to resize LV %q: last segment is fixed", last.Logical.Name)
		}
	case Expand:
		if delta < 0 {
			return 0, diskerr.New(diskerr.Internal,
				"LV shrink needed while expanding PV")
		}
		if delta > 0 && !last.Resizeable() {
			return 0, nil
		}
	}
	return delta, nil
}

// MinSize 计算 PV 的最小大小（字节）
//
// 理论最小值可能因为元数据空隙超过 PV 的当前大小，用当前大小封顶。
func (r *Resizer) MinSize(ctx context.Context) (uint64, error) {
	extentBytes := r.phys.Group.ExtentSizeBytes(r.sectorSize)
	metadata := MetadataSectors * r.sectorSize

	last, ok := r.phys.LastSegment()
	if !ok {
		// 空 PV
		return metadata, nil
	}

	occupied := metadata + (last.EndExtents+1)*extentBytes
	if !last.Resizeable() {
		return occupied, nil
	}

	fsMin, err := r.vol.FSMinimumSize(ctx)
	if err != nil {
		return 0, err
	}
	lvCurrent, err := r.vol.LVSize(ctx)
	if err != nil {
		return 0, err
	}

	lvResult := lvCurrent - last.SizeExtents()*extentBytes
	if fsMin > lvResult {
		lvResult = fsMin
	}
	lvResult = ceilTo(lvResult, extentBytes)

	min := occupied - (lvCurrent - lvResult)

	pvCurrent, err := r.vol.PVSize(ctx)
	if err != nil {
		return 0, err
	}
	if min > pvCurrent {
		min = pvCurrent
	}
	return min, nil
}

// Execute 把 PV 调整到 newPVSize
//
// 缩小顺序：文件系统 → LV → PV；扩大顺序：PV → LV → 文件系统。
func (r *Resizer) Execute(ctx context.Context, newPVSize uint64) error {
	logger := zerolog.Ctx(ctx)

	pvCurrent, err := r.vol.PVSize(ctx)
	if err != nil {
		return err
	}
	mode := Expand
	if newPVSize < pvCurrent {
		mode = Shrink
	}

	last, ok := r.phys.LastSegment()
	var delta int64
	if ok {
		delta, err = AdjustDelta(mode, r.CalculateLVDelta(newPVSize, last), last)
		if err != nil {
			return err
		}
	}

	if delta == 0 {
		return r.vol.ResizePV(ctx, newPVSize)
	}

	lvCurrent, err := r.vol.LVSize(ctx)
	if err != nil {
		return err
	}
	lvNew := uint64(int64(lvCurrent) + delta)
	logger.Debug().Msgf("LV resize: current %d delta %d new %d", lvCurrent, delta, lvNew)

	if mode == Shrink {
		if err := r.vol.ResizeFS(ctx, lvNew); err != nil {
			return err
		}
		if err := r.vol.ResizeLV(ctx, lvNew); err != nil {
			return err
		}
		return r.vol.ResizePV(ctx, newPVSize)
	}

	if err := r.vol.ResizePV(ctx, newPVSize); err != nil {
		return err
	}
	if err := r.vol.ResizeLV(ctx, lvNew); err != nil {
		return err
	}
	return r.vol.ResizeFS(ctx, lvNew)
}

func ceilTo(v, div uint64) uint64 {
	return (v + div - 1) / div * div
}
