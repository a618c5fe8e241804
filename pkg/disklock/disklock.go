// Package disklock 提供镜像文件上的建议性文件锁
//
// 读操作使用共享锁，写操作使用独占锁，都是非阻塞获取。
// 获取失败说明镜像被其他进程占用，操作直接报 Locked 错误退出，
// 不产生其他副作用。
package disklock

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/jimyag/disktool/pkg/diskerr"
)

// Guard 持有镜像文件锁
// 一次操作的所有步骤共享同一个 Guard，所有退出路径都要 Close
type Guard struct {
	path string
	file *os.File
}

// OpenRead 获取共享锁
func OpenRead(path string) (*Guard, error) {
	return open(path, unix.LOCK_SH)
}

// OpenWrite 获取独占锁
func OpenWrite(path string) (*Guard, error) {
	return open(path, unix.LOCK_EX)
}

func open(path string, mode int) (*Guard, error) {
	log.Debug().Str("path", path).Msg("Disk lock")

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, diskerr.Wrap(diskerr.InvalidHdd,
			fmt.Sprintf("cannot open disk image %q", path), err)
	}

	if err := unix.Flock(int(file.Fd()), mode|unix.LOCK_NB); err != nil {
		_ = file.Close()
		return nil, diskerr.Newf(diskerr.Locked,
			"the specified disk image %q is locked by another process", path)
	}

	return &Guard{path: path, file: file}, nil
}

// Close 释放锁
// 锁获取失败时不会产生 Guard，因此 Close 总是安全的
func (g *Guard) Close() error {
	if g == nil || g.file == nil {
		return nil
	}
	log.Debug().Str("path", g.path).Msg("Disk unlock")
	err := g.file.Close()
	g.file = nil
	return err
}
