package ops

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/jimyag/disktool/pkg/diskerr"
	"github.com/jimyag/disktool/pkg/disklock"
	"github.com/jimyag/disktool/pkg/guestfs"
)

// ResizeData resize 估算结果
type ResizeData struct {
	CurrentSize   uint64
	MinSize       uint64
	MinSizeKeepFS uint64
	LastPartition string
	FsSupported   bool
	// PartitionSupported 目前总是 true，保留给将来的分区类型检查
	PartitionSupported bool
	// Dirty 文件系统被标记为脏，最小值是用 statvfs 估出来的
	Dirty bool
}

// Print 按指定单位输出估算结果
// 警告打到 stderr，即使操作成功
func (d ResizeData) Print(unit SizeUnit) {
	var warnings string
	switch {
	case !d.PartitionSupported:
		warnings += "Unsupported partition\n"
	case d.LastPartition == "":
		warnings += "No partitions found\n"
	case !d.FsSupported:
		warnings += "The last partition's filesystem is not supported, estimates may be inaccurate\n"
	case d.Dirty:
		warnings += "The filesystem is marked dirty, estimates may be inaccurate.\n" +
			"Please boot Windows and let chkdsk finish, then shut it down cleanly\n"
	}

	fmt.Println("Disk information:")
	fmt.Printf("%s%s\n", "Size:                           ", FormatSize(d.CurrentSize, unit))
	fmt.Printf("%s%s\n", "Minimum:                        ", FormatSize(d.MinSize, unit))
	fmt.Printf("%s%s\n", "Minimum without resizing last:  ", FormatSize(d.MinSizeKeepFS, unit))

	if warnings != "" {
		fmt.Fprint(os.Stderr, warnings)
	}
}

// ResizeInfo 只读的 resize 估算
func (e *Env) ResizeInfo(ctx context.Context, diskPath string, unit SizeUnit) error {
	guard, err := disklock.OpenRead(diskPath)
	if err != nil {
		return err
	}
	defer func() { _ = guard.Close() }()
	defer e.Pool.CloseAll(ctx)

	chain, err := e.Qemu.Chain(ctx, diskPath)
	if err != nil {
		return err
	}
	helper := &resizeHelper{env: e, image: chain.Top()}
	data, err := helper.resizeData(ctx)
	if err != nil {
		return err
	}
	data.Print(unit)
	return nil
}

// resizeData 计算当前、最小、保留文件系统时的最小大小
func (h *resizeHelper) resizeData(ctx context.Context) (ResizeData, error) {
	info := ResizeData{
		CurrentSize:        h.image.VirtualSize,
		MinSize:            h.image.VirtualSize,
		MinSizeKeepFS:      h.image.VirtualSize,
		FsSupported:        true,
		PartitionSupported: true,
	}

	gfs, err := h.readonly(ctx)
	if err != nil {
		return ResizeData{}, err
	}
	lp, err := gfs.LastPartition(ctx)
	if err != nil {
		if diskerr.HasCode(err, diskerr.NoPartitions) ||
			diskerr.HasCode(err, diskerr.NoPartitionTable) {
			info.MinSizeKeepFS = 0
			return info, nil
		}
		return ResizeData{}, err
	}
	info.LastPartition = lp.Name

	usedSpace := lp.End + 1
	tail := info.CurrentSize - usedSpace
	overhead, err := gfs.VirtResizeOverhead(ctx)
	if err != nil {
		return ResizeData{}, err
	}
	// 缩小总是经过 virt-resize，预留它的开销
	info.MinSizeKeepFS = usedSpace + overhead

	fs, err := gfs.FilesystemOf(ctx, lp)
	if err != nil {
		if !diskerr.HasCode(err, diskerr.UnsupportedFs) {
			return ResizeData{}, err
		}
		info.FsSupported = false
		info.MinSize = info.CurrentSize - tail + overhead
		return info, nil
	}

	fsMin, err := fs.MinimumSize(ctx)
	if err != nil {
		if !diskerr.HasCode(err, diskerr.UnsupportedFs) {
			return ResizeData{}, err
		}
		if fs.Kind() == guestfs.KindNtfs {
			// 脏 NTFS 探不出最小值，退回 statvfs 的块统计
			stats, statErr := gfs.FilesystemStats(ctx, lp.Name)
			if statErr != nil {
				return ResizeData{}, statErr
			}
			fsMin = (stats.Blocks - stats.Bfree) * stats.Frsize
			info.Dirty = true
		} else {
			info.FsSupported = false
			info.MinSize = info.CurrentSize - tail + overhead
			return info, nil
		}
	}

	zerolog.Ctx(ctx).Debug().Msgf("Minimum size: %d", fsMin)
	// 总空间 − 最后一个分区起点之后的空间 + 分区和 resize 需要的最小空间
	info.MinSize = info.CurrentSize - (lp.Size + tail) + fsMin + overhead
	return info, nil
}
