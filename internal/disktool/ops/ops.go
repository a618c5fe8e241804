// Package ops 实现磁盘工具的操作：resize、compact、merge、convert
//
// 所有修改镜像的操作都先拿磁盘锁，所有外部调用都经过 runner，
// 取消令牌在子操作之间的安全点检查。
package ops

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/jimyag/disktool/internal/disktool/config"
	"github.com/jimyag/disktool/pkg/abort"
	"github.com/jimyag/disktool/pkg/diskerr"
	"github.com/jimyag/disktool/pkg/guestfs"
	"github.com/jimyag/disktool/pkg/qemuimg"
	"github.com/jimyag/disktool/pkg/runner"
)

// TmpImageExt 临时镜像的后缀
const TmpImageExt = ".tmp"

// Descriptor ploop 目录里的描述文件名
const Descriptor = "DiskDescriptor.xml"

// MiB 一兆字节
const MiB uint64 = 1024 * 1024

// Env 操作的共享环境
type Env struct {
	Cfg   *config.Config
	Run   runner.Runner
	Token *abort.Token
	Qemu  *qemuimg.Client
	Pool  *guestfs.SessionPool
}

// NewEnv 创建操作环境
func NewEnv(cfg *config.Config, run runner.Runner, token *abort.Token) *Env {
	return &Env{
		Cfg:   cfg,
		Run:   run,
		Token: token,
		Qemu:  qemuimg.New(cfg.QemuImg, run),
		Pool:  guestfs.NewSessionPool(cfg.Guestfish, run, token),
	}
}

// tmpImagePath 返回镜像的临时文件路径
func tmpImagePath(imagePath string) string {
	return imagePath + TmpImageExt
}

// availableSpace 返回镜像所在目录的可用空间（字节）
func availableSpace(imagePath string) uint64 {
	var stat unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(imagePath), &stat); err != nil {
		return 0
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize)
}

// removeIfExists 直接删除临时文件
// 不经过 runner：失败路径上的临时文件清理在 dry-run 下也要执行
func removeIfExists(path string) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
}

// DropGuard 失败路径上的清理
// 成功路径上调用 Disarm 解除
type DropGuard struct {
	f     func()
	armed bool
}

// NewDropGuard 创建清理守卫，defer guard.Run()
func NewDropGuard(f func()) *DropGuard {
	return &DropGuard{f: f, armed: true}
}

// Disarm 解除守卫
func (g *DropGuard) Disarm() {
	g.armed = false
}

// Run 触发清理（仅在仍处于武装状态时）
func (g *DropGuard) Run() {
	if g.armed {
		g.f()
	}
}

// SizeUnit 大小显示单位
type SizeUnit byte

const (
	// UnitB 字节
	UnitB SizeUnit = 'B'
	// UnitK KiB
	UnitK SizeUnit = 'K'
	// UnitM MiB
	UnitM SizeUnit = 'M'
	// UnitG GiB
	UnitG SizeUnit = 'G'
	// UnitT TiB
	UnitT SizeUnit = 'T'
)

// FormatSize 按单位输出大小，15 列右对齐，向上取整
func FormatSize(bytes uint64, unit SizeUnit) string {
	switch unit {
	case UnitK:
		return fmt.Sprintf("%14dK", ceilDiv(bytes, 1024))
	case UnitM:
		return fmt.Sprintf("%14dM", ceilDiv(bytes, 1024*1024))
	case UnitG:
		return fmt.Sprintf("%14dG", ceilDiv(bytes, 1024*1024*1024))
	case UnitT:
		return fmt.Sprintf("%14dT", ceilDiv(bytes, 1024*1024*1024*1024))
	default:
		return fmt.Sprintf("%15d", bytes)
	}
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// NormalizeDiskPath 规范化磁盘路径
//
// 接受 qcow2 文件或包含 DiskDescriptor.xml 的 ploop 目录；
// 如果路径是 ploop 目录里的文件，归一化为目录本身。
func NormalizeDiskPath(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}

	if info.IsDir() {
		if _, err := os.Stat(filepath.Join(abs, Descriptor)); err == nil {
			return filepath.Clean(abs), true
		}
		return "", false
	}

	dir := filepath.Dir(abs)
	if _, err := os.Stat(filepath.Join(dir, Descriptor)); err == nil {
		// ploop 目录里的文件
		return filepath.Clean(dir), true
	}
	return filepath.Clean(abs), true
}

// IsPloop 判断路径是否是 ploop 镜像目录
func IsPloop(path string) bool {
	if path == "" {
		return false
	}
	if _, err := os.Stat(filepath.Join(path, Descriptor)); err == nil {
		return true
	}
	return false
}

// checkCancelled 在安全点检查取消令牌
func (e *Env) checkCancelled() error {
	if e.Token.Cancelled() {
		return diskerr.New(diskerr.Cancelled, "operation cancelled")
	}
	return nil
}
