package guestfs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jimyag/disktool/pkg/diskerr"
)

// SwapMinSize swap 头部需要的最小空间
const SwapMinSize uint64 = 40 * 1024

// Kind 文件系统种类
type Kind string

const (
	// KindExt ext2/ext3/ext4
	KindExt Kind = "ext"
	// KindNtfs NTFS
	KindNtfs Kind = "ntfs"
	// KindBtrfs Btrfs
	KindBtrfs Kind = "btrfs"
	// KindXfs XFS
	KindXfs Kind = "xfs"
	// KindSwap swap 空间
	KindSwap Kind = "swap"
	// KindLvmPhysical LVM 物理卷
	KindLvmPhysical Kind = "lvm"
	// KindUnknown 不认识的文件系统
	KindUnknown Kind = "unknown"
)

// Filesystem 文件系统后端
// 每种后端实现最小大小查询和调整两个操作
type Filesystem interface {
	Kind() Kind
	Device() string
	MinimumSize(ctx context.Context) (uint64, error)
	Resize(ctx context.Context, newSize uint64) error
}

// Supported 文件系统是否支持分区感知的缩放
func Supported(fs Filesystem) bool {
	return fs.Kind() != KindUnknown
}

// FilesystemOf 返回分区上的文件系统后端
func (h *Handle) FilesystemOf(ctx context.Context, p Partition) (Filesystem, error) {
	fsType, err := h.filesystemType(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	return h.filesystemByType(ctx, p.Name, fsType)
}

func (h *Handle) filesystemByType(ctx context.Context, device, fsType string) (Filesystem, error) {
	switch {
	case fsType == "ext2" || fsType == "ext3" || fsType == "ext4":
		return &extFS{h: h, device: device}, nil
	case fsType == "ntfs":
		return &ntfsFS{h: h, device: device}, nil
	case fsType == "btrfs":
		return &btrfsFS{h: h, device: device}, nil
	case fsType == "xfs":
		return &xfsFS{h: h, device: device}, nil
	case fsType == "swap":
		return &swapFS{device: device}, nil
	case fsType == "LVM2_member":
		return h.lvmPhysicalOf(ctx, device)
	default:
		return &unknownFS{device: device, fsType: fsType}, nil
	}
}

// filesystemType 查询分区上的文件系统类型
func (h *Handle) filesystemType(ctx context.Context, device string) (string, error) {
	out, err := h.query(ctx, "list-filesystems")
	if err != nil {
		return "", err
	}
	// 每行格式：/dev/sda1: ext4
	for _, line := range strings.Split(out, "\n") {
		dev, fsType, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.TrimSpace(dev) == device {
			return strings.TrimSpace(fsType), nil
		}
	}
	return "", diskerr.Newf(diskerr.UnsupportedFs,
		"cannot determine filesystem on %s", device)
}

// FSStats 文件系统的 statvfs 信息
type FSStats struct {
	Bsize  uint64
	Frsize uint64
	Blocks uint64
	Bfree  uint64
	Bavail uint64
}

// FilesystemStats 挂载只读并读取 statvfs
func (h *Handle) FilesystemStats(ctx context.Context, device string) (FSStats, error) {
	if _, err := h.query(ctx, "mount-ro", device, "/"); err != nil {
		return FSStats{}, diskerr.Wrap(diskerr.UnsupportedFs,
			fmt.Sprintf("cannot mount %s", device), err)
	}
	defer func() { _, _ = h.query(ctx, "umount", "/") }()

	out, err := h.query(ctx, "statvfs", "/")
	if err != nil {
		return FSStats{}, err
	}
	return parseStatvfs(out)
}

func parseStatvfs(out string) (FSStats, error) {
	fields := make(map[string]uint64)
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		fields[strings.TrimSpace(key)] = v
	}
	stats := FSStats{
		Bsize:  fields["bsize"],
		Frsize: fields["frsize"],
		Blocks: fields["blocks"],
		Bfree:  fields["bfree"],
		Bavail: fields["bavail"],
	}
	if stats.Frsize == 0 {
		return FSStats{}, diskerr.New(diskerr.ParseError, "cannot parse statvfs output")
	}
	return stats, nil
}

// ShrinkFilesystemBy 把分区上的文件系统缩小 dec 字节
// 缩小前用最小大小做预检，低于最小值直接拒绝
func (h *Handle) ShrinkFilesystemBy(ctx context.Context, p Partition, dec uint64) error {
	zerolog.Ctx(ctx).Debug().Msgf("Shrinking FS on %s by %d", p.Name, dec)
	if p.Size < dec {
		return diskerr.New(diskerr.Internal, "unable to resize partition below 0")
	}
	newSize := p.Size - dec

	fs, err := h.FilesystemOf(ctx, p)
	if err != nil {
		return err
	}
	minSize, err := fs.MinimumSize(ctx)
	if err != nil {
		return err
	}
	if minSize > newSize {
		return diskerr.Newf(diskerr.NoFreeSpace,
			"filesystem cannot be shrunk to %d bytes: minimum is %d (%d bytes over)",
			newSize, minSize, minSize-newSize)
	}
	return fs.Resize(ctx, newSize)
}

// extFS ext2/3/4
type extFS struct {
	h      *Handle
	device string
}

func (f *extFS) Kind() Kind     { return KindExt }
func (f *extFS) Device() string { return f.device }

func (f *extFS) MinimumSize(ctx context.Context) (uint64, error) {
	return f.h.queryUint(ctx, "vfs-minimum-size", f.device)
}

func (f *extFS) Resize(ctx context.Context, newSize uint64) error {
	// resize2fs 只接受 1KiB 的整数倍，向下取整
	newSize &^= 1023
	_, err := f.h.mutate(ctx, "resize2fs-size", f.device,
		strconv.FormatUint(newSize, 10))
	return err
}

// ntfsFS NTFS
type ntfsFS struct {
	h      *Handle
	device string
}

func (f *ntfsFS) Kind() Kind     { return KindNtfs }
func (f *ntfsFS) Device() string { return f.device }

func (f *ntfsFS) MinimumSize(ctx context.Context) (uint64, error) {
	size, err := f.h.queryUint(ctx, "vfs-minimum-size", f.device)
	if err != nil {
		// 脏卷上 ntfsresize --info 会失败，提示用户在 Windows 里处理
		return 0, diskerr.Wrap(diskerr.UnsupportedFs,
			"cannot query NTFS minimum size; the volume may be marked dirty.\n"+
				"Please boot Windows and let chkdsk finish, then shut it down cleanly",
			err)
	}
	return size, nil
}

func (f *ntfsFS) Resize(ctx context.Context, newSize uint64) error {
	if _, err := f.h.mutate(ctx, "ntfsresize", f.device,
		"size:"+strconv.FormatUint(newSize, 10), "force:true"); err != nil {
		return err
	}
	_, err := f.h.mutate(ctx, "ntfsfix", f.device)
	return err
}

// btrfsFS Btrfs
type btrfsFS struct {
	h      *Handle
	device string
}

func (f *btrfsFS) Kind() Kind     { return KindBtrfs }
func (f *btrfsFS) Device() string { return f.device }

func (f *btrfsFS) MinimumSize(ctx context.Context) (uint64, error) {
	if _, err := f.h.query(ctx, "mount-ro", f.device, "/"); err != nil {
		return 0, diskerr.Wrap(diskerr.UnsupportedFs,
			fmt.Sprintf("cannot mount %s", f.device), err)
	}
	defer func() { _, _ = f.h.query(ctx, "umount", "/") }()
	return f.h.queryUint(ctx, "vfs-minimum-size", f.device)
}

func (f *btrfsFS) Resize(ctx context.Context, newSize uint64) error {
	if _, err := f.h.mutate(ctx, "mount", f.device, "/"); err != nil {
		return err
	}
	defer func() { _, _ = f.h.mutate(ctx, "umount", "/") }()
	_, err := f.h.mutate(ctx, "btrfs-filesystem-resize", "/",
		"size:"+strconv.FormatUint(newSize, 10))
	return err
}

// xfsFS XFS
type xfsFS struct {
	h      *Handle
	device string
}

func (f *xfsFS) Kind() Kind     { return KindXfs }
func (f *xfsFS) Device() string { return f.device }

func (f *xfsFS) MinimumSize(ctx context.Context) (uint64, error) {
	if _, err := f.h.query(ctx, "mount-ro", f.device, "/"); err != nil {
		return 0, diskerr.Wrap(diskerr.UnsupportedFs,
			fmt.Sprintf("cannot mount %s", f.device), err)
	}
	defer func() { _, _ = f.h.query(ctx, "umount", "/") }()
	return f.h.queryUint(ctx, "vfs-minimum-size", f.device)
}

// Resize 扩大到分区当前大小
// XFS 不支持缩小，newSize 只能增长，xfs_growfs 总是长满设备
func (f *xfsFS) Resize(ctx context.Context, _ uint64) error {
	if _, err := f.h.mutate(ctx, "mount", f.device, "/"); err != nil {
		return err
	}
	defer func() { _, _ = f.h.mutate(ctx, "umount", "/") }()
	_, err := f.h.mutate(ctx, "xfs-growfs", "/")
	return err
}

// swapFS swap 空间
type swapFS struct {
	device string
}

func (f *swapFS) Kind() Kind     { return KindSwap }
func (f *swapFS) Device() string { return f.device }

func (f *swapFS) MinimumSize(_ context.Context) (uint64, error) {
	return SwapMinSize, nil
}

// Resize 是空操作：调整分区时由 virt-resize 重建 swap 头
func (f *swapFS) Resize(_ context.Context, _ uint64) error {
	return nil
}

// unknownFS 不认识的文件系统
type unknownFS struct {
	device string
	fsType string
}

func (f *unknownFS) Kind() Kind     { return KindUnknown }
func (f *unknownFS) Device() string { return f.device }

func (f *unknownFS) MinimumSize(_ context.Context) (uint64, error) {
	return 0, diskerr.Newf(diskerr.UnsupportedFs,
		"filesystem %q on %s is not supported", f.fsType, f.device)
}

func (f *unknownFS) Resize(_ context.Context, _ uint64) error {
	return diskerr.Newf(diskerr.UnsupportedFs,
		"filesystem %q on %s is not supported", f.fsType, f.device)
}
