package ops

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/jimyag/disktool/pkg/diskerr"
	"github.com/jimyag/disktool/pkg/disklock"
	"github.com/jimyag/disktool/pkg/guestfs"
	"github.com/jimyag/disktool/pkg/idgen"
	"github.com/jimyag/disktool/pkg/qemuimg"
	"github.com/jimyag/disktool/pkg/runner"
)

// fsOverheadRatio ConsiderExpand 的空间预检系数
// 经验值：扩大只需要为文件系统元数据留空间
const fsOverheadRatio = 0.05

// ResizeRequest resize 操作的输入
type ResizeRequest struct {
	DiskPath string
	TargetMB uint64
	// ConsiderLastPartition 连同最后一个分区和它的文件系统一起调整
	ConsiderLastPartition bool
	Force                 bool
}

// resizeMode 六种 resize 模式
type resizeMode int

const (
	ignoreShrinkTruncate resizeMode = iota
	ignoreShrinkVirt
	ignoreExpand
	ignoreExpandGpt
	considerShrink
	considerExpand
)

func (m resizeMode) String() string {
	switch m {
	case ignoreShrinkTruncate:
		return "IgnoreShrinkTruncate"
	case ignoreShrinkVirt:
		return "IgnoreShrinkVirt"
	case ignoreExpand:
		return "IgnoreExpand"
	case ignoreExpandGpt:
		return "IgnoreExpandGpt"
	case considerShrink:
		return "ConsiderShrink"
	case considerExpand:
		return "ConsiderExpand"
	}
	return "unknown"
}

// Resize 调整磁盘的虚拟大小
func (e *Env) Resize(ctx context.Context, req ResizeRequest) error {
	guard, err := disklock.OpenWrite(req.DiskPath)
	if err != nil {
		return err
	}
	defer func() { _ = guard.Close() }()
	defer e.Pool.CloseAll(ctx)

	chain, err := e.Qemu.Chain(ctx, req.DiskPath)
	if err != nil {
		return err
	}

	targetBytes := req.TargetMB * MiB
	if targetBytes == chain.Top().VirtualSize {
		// 已经是目标大小
		zerolog.Ctx(ctx).Debug().Msg("Image already has the requested size")
		return nil
	}

	helper := &resizeHelper{env: e, image: chain.Top()}

	var mode resizeMode
	if req.ConsiderLastPartition {
		mode, err = helper.selectModeConsider(ctx, targetBytes)
	} else {
		mode, err = helper.selectModeIgnore(ctx, targetBytes)
	}
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Debug().Stringer("mode", mode).Msg("Selected resize mode")

	if err := helper.checkSpace(ctx, mode, targetBytes); err != nil {
		return err
	}
	if err := e.checkCancelled(); err != nil {
		return err
	}

	switch mode {
	case ignoreShrinkTruncate:
		return helper.executeIgnoreShrinkTruncate(ctx, req.TargetMB)
	case ignoreShrinkVirt:
		return helper.executeIgnoreShrinkVirt(ctx, req.TargetMB)
	case ignoreExpand:
		return helper.executeIgnoreExpand(ctx, req.TargetMB)
	case ignoreExpandGpt:
		return helper.executeIgnoreExpandGpt(ctx, req.TargetMB)
	case considerShrink:
		return helper.executeConsiderShrink(ctx, req.TargetMB)
	case considerExpand:
		return helper.executeConsiderExpand(ctx, req.TargetMB)
	}
	return diskerr.Newf(diskerr.Internal, "unhandled resize mode %v", mode)
}

// resizeHelper 一次 resize 操作的上下文
type resizeHelper struct {
	env   *Env
	image qemuimg.Image
}

func (h *resizeHelper) readonly(ctx context.Context) (*guestfs.Handle, error) {
	return h.env.Pool.GetReadonly(ctx, h.image.Filename)
}

func (h *resizeHelper) writable(ctx context.Context, path string) (*guestfs.Handle, error) {
	if path == "" {
		path = h.image.Filename
	}
	return h.env.Pool.GetWritable(ctx, path)
}

// selectModeConsider 分区感知模式的选择
//
// 最后一个分区的文件系统不受支持时退回分区无关的路径；
// 没有分区或没有分区表也一样。其他错误说明继续下去可能毁数据，拒绝。
func (h *resizeHelper) selectModeConsider(ctx context.Context, targetBytes uint64) (resizeMode, error) {
	gfs, err := h.readonly(ctx)
	if err != nil {
		return 0, err
	}
	lp, err := gfs.LastPartition(ctx)
	if err != nil {
		if diskerr.HasCode(err, diskerr.NoPartitions) ||
			diskerr.HasCode(err, diskerr.NoPartitionTable) {
			return h.selectModeIgnore(ctx, targetBytes)
		}
		return 0, err
	}

	fs, err := gfs.FilesystemOf(ctx, lp)
	if err != nil {
		if diskerr.HasCode(err, diskerr.UnsupportedFs) ||
			diskerr.HasCode(err, diskerr.UnsupportedPartition) {
			return h.selectModeIgnore(ctx, targetBytes)
		}
		return 0, err
	}
	if !guestfs.Supported(fs) {
		return h.selectModeIgnore(ctx, targetBytes)
	}

	if targetBytes < h.image.VirtualSize {
		return considerShrink, nil
	}
	return considerExpand, nil
}

// selectModeIgnore 分区无关模式的选择
func (h *resizeHelper) selectModeIgnore(ctx context.Context, targetBytes uint64) (resizeMode, error) {
	gfs, err := h.readonly(ctx)
	if err != nil {
		return 0, err
	}
	table, err := gfs.PartitionTable(ctx)
	if err != nil {
		if !diskerr.HasCode(err, diskerr.NoPartitionTable) {
			return 0, err
		}
		if targetBytes < h.image.VirtualSize {
			return ignoreShrinkTruncate, nil
		}
		return ignoreExpand, nil
	}

	if targetBytes < h.image.VirtualSize {
		return ignoreShrinkVirt, nil
	}
	if table == guestfs.TableGPT {
		return ignoreExpandGpt, nil
	}
	return ignoreExpand, nil
}

// checkSpace 空间预检
func (h *resizeHelper) checkSpace(ctx context.Context, mode resizeMode, targetBytes uint64) error {
	avail := availableSpace(h.image.Filename)
	var needed uint64
	switch mode {
	case ignoreShrinkTruncate, ignoreShrinkVirt, considerShrink:
		// 需要完整复制当前 top 镜像
		needed = h.image.ActualSize
	case ignoreExpand, ignoreExpandGpt:
		// 原地扩大，只需要增量
		needed = targetBytes - h.image.VirtualSize
	case considerExpand:
		needed = uint64(float64(targetBytes) * fsOverheadRatio)
	}
	zerolog.Ctx(ctx).Debug().Msgf("Space check: %s needed, %s available",
		humanize.IBytes(needed), humanize.IBytes(avail))
	if needed > avail {
		return diskerr.NewNoFreeSpace(needed, avail)
	}
	return nil
}

// createTmpImage 创建临时镜像
//
// 与其他修改不同，临时镜像在 dry-run 下也会真实创建：后面的
// guestfs 会话要有东西可打开。临时文件在所有退出路径上删除。
func (h *resizeHelper) createTmpImage(ctx context.Context, mb uint64, backingFile string) (string, error) {
	tmpPath := tmpImagePath(h.image.Filename)
	real := runner.NewReal(h.env.Token).WithTimeout(h.env.Cfg.TimeoutS)
	create := qemuimg.New(h.env.Cfg.QemuImg, real)
	var err error
	if backingFile == "" {
		err = create.CreateEmpty(ctx, tmpPath, mb)
	} else {
		err = create.CreateOverlay(ctx, tmpPath, backingFile, mb)
	}
	if err != nil {
		return "", err
	}
	return tmpPath, nil
}

// calculateFSDelta 计算文件系统需要变化的字节数
// tail 是最后一个分区之后的空闲空间
func (h *resizeHelper) calculateFSDelta(ctx context.Context, targetBytes uint64, lp guestfs.Partition) (int64, error) {
	gfs, err := h.readonly(ctx)
	if err != nil {
		return 0, err
	}
	overhead, err := gfs.VirtResizeOverhead(ctx)
	if err != nil {
		return 0, err
	}

	delta := int64(targetBytes) - int64(h.image.VirtualSize)
	tail := h.image.VirtualSize - lp.End - 1
	fsDelta := delta - int64(overhead) + int64(tail)
	zerolog.Ctx(ctx).Debug().Msgf("delta: %d overhead: %d tail: %d fs delta: %d",
		delta, overhead, tail, fsDelta)
	return fsDelta, nil
}

// shrinkFSIfNeeded 在缩小镜像之前把文件系统缩到位
// 只削掉分区后面的空闲空间不够时才需要动文件系统
func (h *resizeHelper) shrinkFSIfNeeded(ctx context.Context, targetBytes uint64) error {
	gfs, err := h.writable(ctx, "")
	if err != nil {
		return err
	}
	lp, err := gfs.LastPartition(ctx)
	if err != nil {
		return err
	}
	fsDelta, err := h.calculateFSDelta(ctx, targetBytes, lp)
	if err != nil {
		return err
	}
	if fsDelta < 0 {
		return gfs.ShrinkFilesystemBy(ctx, lp, uint64(-fsDelta))
	}
	return nil
}

// newFSSize 计算缩放后最后一个分区上文件系统的大小
func (h *resizeHelper) newFSSize(ctx context.Context, targetBytes uint64, lp guestfs.Partition) (uint64, error) {
	fsDelta, err := h.calculateFSDelta(ctx, targetBytes, lp)
	if err != nil {
		return 0, err
	}
	return uint64(int64(lp.Size) + fsDelta), nil
}

// executeIgnoreShrinkTruncate 没有分区表的缩小：直接换成小镜像
// 截断点以下的数据按调用方的要求丢弃
func (h *resizeHelper) executeIgnoreShrinkTruncate(ctx context.Context, sizeMB uint64) error {
	tmpPath, err := h.createTmpImage(ctx, sizeMB, "")
	if err != nil {
		return err
	}
	guard := NewDropGuard(func() { removeIfExists(tmpPath) })
	defer guard.Run()

	return h.env.Run.Rename(ctx, tmpPath, h.image.Filename)
}

// executeIgnoreShrinkVirt 有分区表的缩小：交给 virt-resize 整盘拷贝
func (h *resizeHelper) executeIgnoreShrinkVirt(ctx context.Context, sizeMB uint64) error {
	tmpPath, err := h.createTmpImage(ctx, sizeMB, "")
	if err != nil {
		return err
	}
	guard := NewDropGuard(func() { removeIfExists(tmpPath) })
	defer guard.Run()

	vr := newVirtResize(h.env)
	if err := vr.execute(ctx, h.image.Filename, tmpPath); err != nil {
		return err
	}
	return h.env.Run.Rename(ctx, tmpPath, h.image.Filename)
}

// executeIgnoreExpand 原地扩大虚拟大小
// qemu-img resize 是幂等的，不需要回滚
func (h *resizeHelper) executeIgnoreExpand(ctx context.Context, sizeMB uint64) error {
	return h.env.Qemu.ResizeMB(ctx, h.image.Filename, sizeMB)
}

// executeIgnoreExpandGpt 扩大后把备份 GPT 头搬到新的末尾
// 不搬的话 Windows 看不到新增的空间
func (h *resizeHelper) executeIgnoreExpandGpt(ctx context.Context, sizeMB uint64) error {
	if err := h.executeIgnoreExpand(ctx, sizeMB); err != nil {
		return err
	}
	gfs, err := h.writable(ctx, "")
	if err != nil {
		return err
	}
	if err := gfs.ExpandGPT(ctx); err != nil {
		return err
	}
	return h.env.Pool.Close(ctx, h.image.Filename)
}

// executeConsiderShrink 分区感知的缩小
//
// 在原镜像上先做内部快照兜底，缩小文件系统，再用 virt-resize
// 把分区搬进新的小镜像。失败时回滚快照并删除临时镜像。
func (h *resizeHelper) executeConsiderShrink(ctx context.Context, sizeMB uint64) error {
	targetBytes := sizeMB * MiB

	tmpPath, err := h.createTmpImage(ctx, sizeMB, "")
	if err != nil {
		return err
	}
	tmpGuard := NewDropGuard(func() { removeIfExists(tmpPath) })
	defer tmpGuard.Run()

	snapName, err := idgen.GenerateSnapshotID()
	if err != nil {
		return diskerr.Wrap(diskerr.Internal, "cannot generate snapshot name", err)
	}
	if err := h.env.Qemu.CreateSnapshot(ctx, h.image.Filename, snapName); err != nil {
		return err
	}
	// 失败时把文件系统缩小等修改回滚掉；成功后临时镜像已经
	// 改名覆盖原镜像，快照随旧文件一起消失
	rollback := NewDropGuard(func() {
		_ = h.env.Qemu.ApplySnapshot(ctx, h.image.Filename, snapName)
		_ = h.env.Qemu.DeleteSnapshot(ctx, h.image.Filename, snapName)
	})
	defer rollback.Run()

	if err := h.shrinkFSIfNeeded(ctx, targetBytes); err != nil {
		return err
	}

	gfs, err := h.writable(ctx, "")
	if err != nil {
		return err
	}
	lp, err := gfs.LastPartition(ctx)
	if err != nil {
		return err
	}
	fs, err := gfs.FilesystemOf(ctx, lp)
	if err != nil {
		return err
	}

	vr := newVirtResize(h.env)
	switch {
	case lp.IsLogical():
		// virt-resize 动不了逻辑分区，必须对扩展分区下手
		container, err := gfs.Container(ctx)
		if err != nil {
			return err
		}
		newSize, err := h.newFSSize(ctx, targetBytes, container)
		if err != nil {
			return err
		}
		vr.resizeForce(container.Name, newSize)
	case fs.Kind() == guestfs.KindSwap:
		newSize, err := h.newFSSize(ctx, targetBytes, lp)
		if err != nil {
			return err
		}
		vr.resizeForce(lp.Name, newSize)
	default:
		vr.shrink(lp.Name)
		if fs.Kind() == guestfs.KindNtfs {
			vr.noExpandContent()
		}
	}

	if err := gfs.Sync(ctx); err != nil {
		return err
	}
	// virt-resize 接手之前句柄必须释放
	if err := h.env.Pool.Close(ctx, h.image.Filename); err != nil {
		return err
	}

	if err := vr.execute(ctx, h.image.Filename, tmpPath); err != nil {
		return err
	}
	if err := h.env.Run.Rename(ctx, tmpPath, h.image.Filename); err != nil {
		return err
	}
	tmpGuard.Disarm()
	rollback.Disarm()
	return nil
}

// executeConsiderExpand 分区感知的扩大
//
// 所有修改先落在 overlay 上：扩大分区表、分区和文件系统，
// 成功后把 overlay 合并回原镜像。失败时删掉 overlay，原镜像未动。
func (h *resizeHelper) executeConsiderExpand(ctx context.Context, sizeMB uint64) error {
	tmpPath, err := h.createTmpImage(ctx, sizeMB, h.image.Filename)
	if err != nil {
		return err
	}
	guard := NewDropGuard(func() { removeIfExists(tmpPath) })
	defer guard.Run()

	gfs, err := h.writable(ctx, tmpPath)
	if err != nil {
		return err
	}

	if err := h.expandToFit(ctx, sizeMB*MiB, gfs); err != nil {
		return err
	}
	if err := gfs.Sync(ctx); err != nil {
		return err
	}
	if err := h.env.Pool.Close(ctx, tmpPath); err != nil {
		return err
	}

	if err := h.mergeIntoPrevious(ctx, tmpPath); err != nil {
		return err
	}

	// 外部合并把结果留在 overlay 的名字下，换回原镜像的名字
	if err := h.env.Run.Rename(ctx, tmpPath, h.image.Filename); err != nil {
		return err
	}
	guard.Disarm()
	return nil
}

// expandToFit 扩大分区表（如果需要）、最后一个分区和它的文件系统
func (h *resizeHelper) expandToFit(ctx context.Context, targetBytes uint64, gfs *guestfs.Handle) error {
	// 备份头还没搬的 GPT 读不出分区表类型，从原镜像上读
	oldGFS, err := h.readonly(ctx)
	if err != nil {
		return err
	}
	table, err := oldGFS.PartitionTable(ctx)
	if err != nil {
		return err
	}

	// 必须先搬备份 GPT 头，否则 overlay 上的分区操作都会失败
	if table == guestfs.TableGPT {
		if err := gfs.ExpandGPT(ctx); err != nil {
			return err
		}
	}

	lp, err := gfs.LastPartition(ctx)
	if err != nil {
		return err
	}
	fs, err := gfs.FilesystemOf(ctx, lp)
	if err != nil {
		return err
	}

	// 活动的 VG 挡着分区表编辑，先停掉
	isLVM := fs.Kind() == guestfs.KindLvmPhysical
	if isLVM {
		if err := gfs.DeactivateVGs(ctx); err != nil {
			return err
		}
	}

	if lp.IsLogical() {
		container, err := gfs.Container(ctx)
		if err != nil {
			return err
		}
		if _, err := h.expandPartition(ctx, container, targetBytes, table, gfs); err != nil {
			return err
		}
	}

	newStats, err := h.expandPartition(ctx, lp, targetBytes, table, gfs)
	if err != nil {
		return err
	}

	if isLVM {
		if err := gfs.ActivateVGs(ctx); err != nil {
			return err
		}
		// 重新拿文件系统后端：分区变大后 PV 视图要刷新
		lp, err = gfs.LastPartition(ctx)
		if err != nil {
			return err
		}
		fs, err = gfs.FilesystemOf(ctx, lp)
		if err != nil {
			return err
		}
	}

	return fs.Resize(ctx, newStats.Size)
}

// expandPartition 把分区扩大到目标大小，返回新的几何信息
func (h *resizeHelper) expandPartition(ctx context.Context, p guestfs.Partition,
	targetBytes uint64, table guestfs.TableType, gfs *guestfs.Handle) (guestfs.Partition, error) {

	sectorSize, err := gfs.SectorSize(ctx)
	if err != nil {
		return guestfs.Partition{}, err
	}

	newStats := h.calculateNewPartition(p, targetBytes, sectorSize, table)
	if err := gfs.ResizePartition(ctx, p,
		newStats.Start/sectorSize, newStats.End/sectorSize); err != nil {
		return guestfs.Partition{}, err
	}
	return newStats, nil
}

// calculateNewPartition 计算分区的新结束位置，起始位置不变
//
// MBR 长到盘尾；GPT 给备份头留出空间，原来的尾部空隙
// 比默认预留小就沿用原来的。
func (h *resizeHelper) calculateNewPartition(p guestfs.Partition,
	targetBytes, sectorSize uint64, table guestfs.TableType) guestfs.Partition {

	endSector := targetBytes/sectorSize - 1
	if table == guestfs.TableGPT {
		tail := h.image.VirtualSize - p.End - 1
		reserve := uint64(guestfs.GPTEndSectors) * sectorSize
		if tail < reserve {
			reserve = tail
		}
		endSector = (targetBytes-reserve)/sectorSize - 1
	}

	newStats := p
	newStats.Start = p.Start
	newStats.End = (endSector+1)*sectorSize - 1
	newStats.Size = newStats.End - newStats.Start + 1
	return newStats
}

// mergeIntoPrevious 把 overlay 合并进它的 base
func (h *resizeHelper) mergeIntoPrevious(ctx context.Context, path string) error {
	chain, err := h.env.Qemu.Chain(ctx, path)
	if err != nil {
		return err
	}
	list := chain.List()
	// 只拿原镜像和 overlay 两个
	snapshotChain := qemuimg.NewChain(list[len(list)-2:])
	return h.env.executeExternalMerge(ctx, snapshotChain)
}

// virtResize virt-resize 的参数构造
type virtResize struct {
	env  *Env
	args []string
}

func newVirtResize(env *Env) *virtResize {
	return &virtResize{env: env}
}

func (v *virtResize) noExpandContent() *virtResize {
	v.args = append(v.args, "--no-expand-content")
	return v
}

func (v *virtResize) shrink(partition string) *virtResize {
	v.args = append(v.args, "--shrink", partition)
	return v
}

func (v *virtResize) resizeForce(partition string, size uint64) *virtResize {
	v.args = append(v.args, "--resize-force", fmt.Sprintf("%s=%db", partition, size))
	return v
}

func (v *virtResize) execute(ctx context.Context, src, dst string) error {
	args := append(v.args, "--machine-readable", "--ntfsresize-force", src, dst)
	res, err := v.env.Run.Mutate(ctx, runner.Command{
		Program:       v.env.Cfg.VirtResize,
		Args:          args,
		CaptureStderr: true,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return diskerr.NewSubprogramFailed(v.env.Cfg.VirtResize, args, res.ExitCode)
	}
	return nil
}
