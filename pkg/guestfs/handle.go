// Package guestfs 提供 guest 文件系统的类型化访问
//
// 通过 guestfish 的 remote 模式维持一个长驻 appliance 会话：
// 启动时 --listen 拿到会话号，之后所有操作走 --remote，
// 关闭时显式 exit，保证在把镜像交还给外部工具之前句柄已经释放。
//
// 暴露的操作对应 resize 编排器需要的全部能力：分区枚举和几何信息、
// 分区表类型、删除重建式的分区缩放（保留全部属性）、GPT 备份头搬移、
// 文件系统识别和缩放、VG 激活控制以及 LVM 元数据导出。
package guestfs

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jimyag/disktool/pkg/diskerr"
	"github.com/jimyag/disktool/pkg/runner"
)

// Device appliance 内的磁盘设备名
const Device = "/dev/sda"

// virt-resize 预留空间的常量，与 libguestfs resize 的取值保持一致
// 这些值来自外部工具，升级 virt-resize 时需要核对
const (
	// MaxBootloaderSectors bootloader 预留扇区数
	MaxBootloaderSectors = 4096
	// GPTStartSectors GPT 主分区表扇区数
	GPTStartSectors = 64
	// GPTEndSectors GPT 备份分区表扇区数
	GPTEndSectors = 64
	// AlignmentSectors 每个分区的对齐扇区数
	AlignmentSectors = 128
)

var guestfishPidRE = regexp.MustCompile(`GUESTFISH_PID=(\d+)`)

// Handle 一个镜像上的 guestfish 会话
type Handle struct {
	guestfishPath string
	imagePath     string
	pid           string
	readOnly      bool
	run           runner.Runner
	closed        bool
}

// Launch 以读写方式打开镜像并启动 appliance
func Launch(ctx context.Context, run runner.Runner, guestfishPath, imagePath string) (*Handle, error) {
	return launch(ctx, run, guestfishPath, imagePath, false)
}

// LaunchReadOnly 以只读方式打开镜像并启动 appliance
func LaunchReadOnly(ctx context.Context, run runner.Runner, guestfishPath, imagePath string) (*Handle, error) {
	return launch(ctx, run, guestfishPath, imagePath, true)
}

func launch(ctx context.Context, run runner.Runner, guestfishPath, imagePath string, readOnly bool) (*Handle, error) {
	if guestfishPath == "" {
		guestfishPath = "guestfish"
	}

	args := []string{"--listen", "-a", imagePath}
	if readOnly {
		args = append(args, "--ro")
	}
	res, err := run.Query(ctx, runner.Command{
		Program:       guestfishPath,
		Args:          args,
		CaptureStdout: true,
		CaptureStderr: true,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, diskerr.NewSubprogramFailed(guestfishPath, args, res.ExitCode)
	}
	m := guestfishPidRE.FindSubmatch(res.Stdout)
	if m == nil {
		return nil, diskerr.New(diskerr.ParseError,
			"cannot find GUESTFISH_PID in guestfish output")
	}

	h := &Handle{
		guestfishPath: guestfishPath,
		imagePath:     imagePath,
		pid:           string(m[1]),
		readOnly:      readOnly,
		run:           run,
	}
	if _, err := h.query(ctx, "run"); err != nil {
		_ = h.Close(ctx)
		return nil, err
	}
	zerolog.Ctx(ctx).Debug().
		Str("image", imagePath).Str("pid", h.pid).Bool("ro", readOnly).
		Msg("Launched guestfs appliance")
	return h, nil
}

// ImagePath 返回会话打开的镜像路径
func (h *Handle) ImagePath() string {
	return h.imagePath
}

// ReadOnly 返回会话是否只读
func (h *Handle) ReadOnly() bool {
	return h.readOnly
}

// Close 关闭会话
// 随后的外部工具调用会接触同一个镜像，必须先确定性地释放句柄
func (h *Handle) Close(ctx context.Context) error {
	if h == nil || h.closed {
		return nil
	}
	h.closed = true
	_, err := h.run.Query(ctx, runner.Command{
		Program: h.guestfishPath,
		Args:    []string{"--remote=" + h.pid, "--", "exit"},
	})
	return err
}

// Sync 把未落盘的写入刷下去
func (h *Handle) Sync(ctx context.Context) error {
	_, err := h.mutate(ctx, "sync")
	return err
}

// query 执行只读的 guestfish 命令
func (h *Handle) query(ctx context.Context, args ...string) (string, error) {
	return h.command(ctx, false, args)
}

// mutate 执行修改镜像的 guestfish 命令
func (h *Handle) mutate(ctx context.Context, args ...string) (string, error) {
	return h.command(ctx, true, args)
}

func (h *Handle) command(ctx context.Context, mutating bool, args []string) (string, error) {
	full := append([]string{"--remote=" + h.pid, "--"}, args...)
	cmd := runner.Command{
		Program:       h.guestfishPath,
		Args:          full,
		CaptureStdout: true,
		CaptureStderr: true,
	}
	var (
		res runner.Result
		err error
	)
	if mutating {
		res, err = h.run.Mutate(ctx, cmd)
	} else {
		res, err = h.run.Query(ctx, cmd)
	}
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", diskerr.Wrap(diskerr.SubprogramFailed,
			fmt.Sprintf("guestfish %s failed with exit code %d: %s",
				strings.Join(args, " "), res.ExitCode,
				strings.TrimSpace(string(res.Stderr))), nil)
	}
	return string(res.Stdout), nil
}

// SectorSize 返回设备的逻辑扇区大小
func (h *Handle) SectorSize(ctx context.Context) (uint64, error) {
	return h.queryUint(ctx, "blockdev-getss", Device)
}

// BlockSize 返回设备的块大小
func (h *Handle) BlockSize(ctx context.Context) (uint64, error) {
	return h.queryUint(ctx, "blockdev-getbsz", Device)
}

func (h *Handle) queryUint(ctx context.Context, args ...string) (uint64, error) {
	out, err := h.query(ctx, args...)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, diskerr.Wrap(diskerr.ParseError,
			fmt.Sprintf("cannot parse %s output", args[0]), err)
	}
	return v, nil
}

// PartitionTable 返回分区表类型
// 没有分区表时返回 NoPartitionTable
func (h *Handle) PartitionTable(ctx context.Context) (TableType, error) {
	out, err := h.query(ctx, "part-get-parttype", Device)
	if err != nil {
		return "", diskerr.Wrap(diskerr.NoPartitionTable,
			"cannot read partition table", err)
	}
	switch t := TableType(strings.TrimSpace(out)); t {
	case TableMBR, TableGPT:
		return t, nil
	default:
		return "", diskerr.Newf(diskerr.UnsupportedPartition,
			"unsupported partition table %q", t)
	}
}

// Partitions 返回按分区编号排序的分区列表
func (h *Handle) Partitions(ctx context.Context) ([]Partition, error) {
	table, err := h.PartitionTable(ctx)
	if err != nil {
		return nil, err
	}

	out, err := h.query(ctx, "part-list", Device)
	if err != nil {
		return nil, err
	}
	parts, err := parsePartList(out)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, diskerr.New(diskerr.NoPartitions, "no partitions found")
	}

	for i := range parts {
		if err := h.loadAttrs(ctx, &parts[i], table); err != nil {
			return nil, err
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })
	return parts, nil
}

// partFieldRE 匹配 part-list 输出的字段行，如 "part_num: 1"
var partFieldRE = regexp.MustCompile(`^\s*part_(num|start|end|size):\s*(\d+)\s*$`)

func parsePartList(out string) ([]Partition, error) {
	var parts []Partition
	var cur *Partition
	for _, line := range strings.Split(out, "\n") {
		m := partFieldRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		v, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			return nil, diskerr.Wrap(diskerr.ParseError, "cannot parse part-list", err)
		}
		switch m[1] {
		case "num":
			parts = append(parts, Partition{Index: int(v)})
			cur = &parts[len(parts)-1]
		case "start":
			if cur != nil {
				cur.Start = v
			}
		case "end":
			if cur != nil {
				cur.End = v
			}
		case "size":
			if cur != nil {
				cur.Size = v
			}
		}
	}
	for i := range parts {
		parts[i].Name = fmt.Sprintf("%s%d", Device, parts[i].Index)
	}
	return parts, nil
}

func (h *Handle) loadAttrs(ctx context.Context, p *Partition, table TableType) error {
	bootableOut, err := h.query(ctx, "part-get-bootable", Device, strconv.Itoa(p.Index))
	if err != nil {
		return err
	}
	bootable := strings.TrimSpace(bootableOut) == "true"

	switch table {
	case TableMBR:
		out, err := h.query(ctx, "part-get-mbr-id", Device, strconv.Itoa(p.Index))
		if err != nil {
			return err
		}
		id, err := parseMBRID(out)
		if err != nil {
			return err
		}
		p.MBR = &MBRAttrs{Bootable: bootable, ID: id}
	case TableGPT:
		name, err := h.query(ctx, "part-get-name", Device, strconv.Itoa(p.Index))
		if err != nil {
			return err
		}
		typeGUID, err := h.query(ctx, "part-get-gpt-type", Device, strconv.Itoa(p.Index))
		if err != nil {
			return err
		}
		partGUID, err := h.query(ctx, "part-get-gpt-guid", Device, strconv.Itoa(p.Index))
		if err != nil {
			return err
		}
		p.GPT = &GPTAttrs{
			Bootable: bootable,
			Name:     strings.TrimSpace(name),
			TypeGUID: strings.TrimSpace(typeGUID),
			PartGUID: strings.TrimSpace(partGUID),
		}
	}
	return nil
}

func parseMBRID(out string) (uint8, error) {
	s := strings.TrimSpace(out)
	s = strings.TrimPrefix(s, "0x")
	id, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, diskerr.Wrap(diskerr.ParseError, "cannot parse MBR id", err)
	}
	return uint8(id), nil
}

// LastPartition 返回结束位置最大的分区
// 没有分区时返回 NoPartitions
func (h *Handle) LastPartition(ctx context.Context) (Partition, error) {
	parts, err := h.Partitions(ctx)
	if err != nil {
		return Partition{}, err
	}
	last := parts[0]
	for _, p := range parts[1:] {
		if p.End > last.End {
			last = p
		}
	}
	return last, nil
}

// Container 返回 MBR 扩展分区
// GPT 磁盘没有扩展分区的概念
func (h *Handle) Container(ctx context.Context) (Partition, error) {
	parts, err := h.Partitions(ctx)
	if err != nil {
		return Partition{}, err
	}
	for _, p := range parts {
		if p.GPT != nil {
			return Partition{}, diskerr.New(diskerr.UnsupportedPartition,
				"extended partitions do not exist on GPT")
		}
		if p.IsExtended() {
			return p, nil
		}
	}
	return Partition{}, diskerr.New(diskerr.UnsupportedPartition,
		"no extended partition found")
}

// VirtResizeOverhead 返回 virt-resize 需要的额外空间（字节，向上取整到 MiB）
//
// virt-resize 按这个保守值预检空间，实际开销可能更小，但空间不够时
// 它会拒绝工作，所以文件系统要比目标多缩小这么多。
// 公式与 libguestfs 的 resize 实现保持一致。
func (h *Handle) VirtResizeOverhead(ctx context.Context) (uint64, error) {
	parts, err := h.Partitions(ctx)
	if err != nil {
		return 0, err
	}
	sectorSize, err := h.SectorSize(ctx)
	if err != nil {
		return 0, err
	}

	firstPartStart := parts[0].Start
	maxStart := uint64(MaxBootloaderSectors)
	if GPTStartSectors > maxStart {
		maxStart = GPTStartSectors
	}
	startOverheadSects := firstPartStart / sectorSize
	if maxStart > startOverheadSects {
		startOverheadSects = maxStart
	}

	alignmentSects := uint64(len(parts)+1) * AlignmentSectors
	overhead := startOverheadSects + alignmentSects + GPTEndSectors
	return ceilToMB(overhead * sectorSize), nil
}

// ExpandGPT 把备份 GPT 头搬到磁盘新的末尾
func (h *Handle) ExpandGPT(ctx context.Context) error {
	_, err := h.mutate(ctx, "part-expand-gpt", Device)
	return err
}

// ActivateVGs 激活所有卷组
func (h *Handle) ActivateVGs(ctx context.Context) error {
	_, err := h.mutate(ctx, "vg-activate-all", "true")
	return err
}

// DeactivateVGs 停用所有卷组
// 移动 PV 的分区表编辑之前必须停用，编辑完再激活
func (h *Handle) DeactivateVGs(ctx context.Context) error {
	_, err := h.mutate(ctx, "vg-activate-all", "false")
	return err
}

func ceilTo(bytes, div uint64) uint64 {
	return (bytes + div - 1) / div * div
}

func ceilToMB(bytes uint64) uint64 {
	return ceilTo(bytes, 1024*1024)
}
