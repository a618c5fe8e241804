package guestfs

import (
	"context"
	"fmt"
	"strings"

	"github.com/jimyag/disktool/pkg/diskerr"
	"github.com/jimyag/disktool/pkg/lvm"
)

// lvmPhysicalOf 构造分区上的 LVM 物理卷后端
//
// 先查出 PV 所属的卷组，把卷组元数据导出成 vgcfgbackup 文本，
// 交给 lvm 包解析成段视图。
func (h *Handle) lvmPhysicalOf(ctx context.Context, device string) (Filesystem, error) {
	vgName, err := h.pvGroup(ctx, device)
	if err != nil {
		return nil, err
	}
	text, err := h.vgMetadata(ctx, vgName)
	if err != nil {
		return nil, err
	}
	cfg, err := lvm.ParseConfig(text, vgName)
	if err != nil {
		return nil, err
	}

	if !cfg.Group.Resizeable || !cfg.Group.Writeable {
		return nil, diskerr.Newf(diskerr.UnsupportedPartition,
			"volume group %q is not resizeable", vgName)
	}

	sectorSize, err := h.SectorSize(ctx)
	if err != nil {
		return nil, err
	}

	return &lvmFS{
		h:          h,
		device:     device,
		phys:       cfg.Physical(device),
		sectorSize: sectorSize,
	}, nil
}

// pvGroup 查询 PV 所属卷组的名字
func (h *Handle) pvGroup(ctx context.Context, device string) (string, error) {
	out, err := h.query(ctx, "debug", "sh",
		fmt.Sprintf("pvs --noheadings -o vg_name %s", device))
	if err != nil {
		return "", err
	}
	vg := strings.TrimSpace(out)
	if vg == "" {
		return "", diskerr.Newf(diskerr.ParseError,
			"cannot determine volume group of %s", device)
	}
	return vg, nil
}

// vgMetadata 导出卷组的 vgcfgbackup 元数据文本
func (h *Handle) vgMetadata(ctx context.Context, vgName string) (string, error) {
	script := fmt.Sprintf(
		"vgcfgbackup -f /tmp/disktool-vg.txt %s >/dev/null && cat /tmp/disktool-vg.txt",
		vgName)
	out, err := h.query(ctx, "debug", "sh", script)
	if err != nil {
		return "", diskerr.Wrap(diskerr.ParseError,
			fmt.Sprintf("cannot export metadata of volume group %q", vgName), err)
	}
	return out, nil
}

// lvmFS PV 后端，同时充当 lvm.Resizer 需要的底层卷操作
type lvmFS struct {
	h          *Handle
	device     string
	phys       lvm.Physical
	sectorSize uint64
}

var (
	_ Filesystem = (*lvmFS)(nil)
	_ lvm.Volume = (*lvmFS)(nil)
)

func (f *lvmFS) Kind() Kind     { return KindLvmPhysical }
func (f *lvmFS) Device() string { return f.device }

// Physical 返回该分区上的 PV 段视图
func (f *lvmFS) Physical() lvm.Physical { return f.phys }

func (f *lvmFS) resizer() *lvm.Resizer {
	return lvm.NewResizer(f.phys, f.sectorSize, f)
}

// MinimumSize 实现 Filesystem 接口
func (f *lvmFS) MinimumSize(ctx context.Context) (uint64, error) {
	return f.resizer().MinSize(ctx)
}

// Resize 实现 Filesystem 接口
func (f *lvmFS) Resize(ctx context.Context, newSize uint64) error {
	return f.resizer().Execute(ctx, newSize)
}

// lastLVDevice 返回末尾段所在逻辑卷的设备路径
func (f *lvmFS) lastLVDevice() (string, error) {
	last, ok := f.phys.LastSegment()
	if !ok {
		return "", diskerr.New(diskerr.Internal, "PV has no segments")
	}
	return fmt.Sprintf("/dev/%s/%s", f.phys.Group.Name, last.Logical.Name), nil
}

// PVSize 实现 lvm.Volume 接口
func (f *lvmFS) PVSize(ctx context.Context) (uint64, error) {
	return f.h.queryUint(ctx, "blockdev-getsize64", f.device)
}

// ResizePV 实现 lvm.Volume 接口
func (f *lvmFS) ResizePV(ctx context.Context, newSize uint64) error {
	_, err := f.h.mutate(ctx, "pvresize-size", f.device,
		fmt.Sprintf("%d", newSize))
	return err
}

// LVSize 实现 lvm.Volume 接口
func (f *lvmFS) LVSize(ctx context.Context) (uint64, error) {
	lv, err := f.lastLVDevice()
	if err != nil {
		return 0, err
	}
	return f.h.queryUint(ctx, "blockdev-getsize64", lv)
}

// ResizeLV 实现 lvm.Volume 接口
func (f *lvmFS) ResizeLV(ctx context.Context, newSize uint64) error {
	lv, err := f.lastLVDevice()
	if err != nil {
		return err
	}
	// lvresize 以 MiB 为单位；LV 大小总是 extent 的整数倍
	_, err = f.h.mutate(ctx, "lvresize", lv,
		fmt.Sprintf("%d", newSize/(1024*1024)))
	return err
}

// FSMinimumSize 实现 lvm.Volume 接口
func (f *lvmFS) FSMinimumSize(ctx context.Context) (uint64, error) {
	fs, err := f.innerFS(ctx)
	if err != nil {
		return 0, err
	}
	return fs.MinimumSize(ctx)
}

// ResizeFS 实现 lvm.Volume 接口
func (f *lvmFS) ResizeFS(ctx context.Context, newSize uint64) error {
	fs, err := f.innerFS(ctx)
	if err != nil {
		return err
	}
	return fs.Resize(ctx, newSize)
}

// innerFS 返回末尾段所在逻辑卷内的文件系统后端
func (f *lvmFS) innerFS(ctx context.Context) (Filesystem, error) {
	lv, err := f.lastLVDevice()
	if err != nil {
		return nil, err
	}
	fsType, err := f.h.filesystemType(ctx, lv)
	if err != nil {
		return nil, err
	}
	fs, err := f.h.filesystemByType(ctx, lv, fsType)
	if err != nil {
		return nil, err
	}
	if fs.Kind() == KindUnknown || fs.Kind() == KindLvmPhysical {
		return nil, diskerr.Newf(diskerr.UnsupportedFs,
			"filesystem %q inside %s is not supported", fsType, lv)
	}
	return fs, nil
}
