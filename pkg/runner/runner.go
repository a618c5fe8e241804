// Package runner 封装外部程序的执行
//
// 所有对外部工具（qemu-img、guestfish、virt-resize 等）的调用都经过
// Runner 接口。查询类调用总是真实执行；修改类调用在 dry-run 模式下
// 只打印将要执行的命令。文件重命名和删除也经过 Runner，
// 以便 dry-run 覆盖所有副作用。
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/jimyag/disktool/pkg/abort"
	"github.com/jimyag/disktool/pkg/diskerr"
)

// DefaultTimeoutS 默认超时（秒），大镜像操作可能需要较长时间
const DefaultTimeoutS uint32 = 60 * 60

// Command 一次外部程序调用
type Command struct {
	Program       string
	Args          []string
	CaptureStdout bool
	CaptureStderr bool
	// TimeoutS 为 0 时使用 Runner 的默认超时
	TimeoutS uint32
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Program
	}
	return c.Program + " " + strings.Join(c.Args, " ")
}

// Result 外部程序的执行结果
// 非零退出码原样返回，由调用方决定如何处理
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner 定义外部调用接口
type Runner interface {
	// Query 总是真实执行（只读命令）
	Query(ctx context.Context, cmd Command) (Result, error)
	// Mutate 执行修改命令；dry-run 模式下只打印
	Mutate(ctx context.Context, cmd Command) (Result, error)
	// Rename 把 oldPath 改名为 newPath，已存在的 newPath 先删除
	Rename(ctx context.Context, oldPath, newPath string) error
	// Remove 删除文件，文件不存在不算错误
	Remove(ctx context.Context, path string) error
	// Exec 用外部程序替换当前进程（ploop 路径使用）
	Exec(program string, args []string) error
}

// Real 真实执行器
type Real struct {
	token    *abort.Token
	timeoutS uint32
}

var _ Runner = (*Real)(nil)

// NewReal 创建真实执行器
// token 可以为 nil（不支持取消）
func NewReal(token *abort.Token) *Real {
	return &Real{token: token, timeoutS: DefaultTimeoutS}
}

// WithTimeout 设置默认超时（秒）
func (r *Real) WithTimeout(timeoutS uint32) *Real {
	r.timeoutS = timeoutS
	return r
}

// Query 实现 Runner 接口
func (r *Real) Query(ctx context.Context, cmd Command) (Result, error) {
	return r.run(ctx, cmd)
}

// Mutate 实现 Runner 接口
func (r *Real) Mutate(ctx context.Context, cmd Command) (Result, error) {
	return r.run(ctx, cmd)
}

// Rename 实现 Runner 接口
func (r *Real) Rename(ctx context.Context, oldPath, newPath string) error {
	zerolog.Ctx(ctx).Debug().Msgf("mv %s %s", oldPath, newPath)
	if _, err := os.Stat(newPath); err == nil {
		if err := os.Remove(newPath); err != nil {
			return fmt.Errorf("remove %s: %w", newPath, err)
		}
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// Remove 实现 Runner 接口
func (r *Real) Remove(ctx context.Context, path string) error {
	zerolog.Ctx(ctx).Debug().Msgf("rm %s", path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Exec 实现 Runner 接口
func (r *Real) Exec(program string, args []string) error {
	path, err := exec.LookPath(program)
	if err != nil {
		return fmt.Errorf("%s command not found: %w", program, err)
	}
	argv := append([]string{program}, args...)
	return unix.Exec(path, argv, os.Environ())
}

// run 启动子进程并以 1 秒为步长等待
//
// 子进程放在独立的进程组里，取消或超时时对整个进程组发送 SIGKILL
// 并回收。取消延迟最多 1 秒加上回收被杀子进程的时间。
func (r *Real) run(ctx context.Context, cmd Command) (Result, error) {
	logger := zerolog.Ctx(ctx)
	timeoutS := cmd.TimeoutS
	if timeoutS == 0 {
		timeoutS = r.timeoutS
	}
	if timeoutS == 0 {
		timeoutS = DefaultTimeoutS
	}
	logger.Debug().Msgf("%s (timeout %d)", cmd.String(), timeoutS)

	c := exec.Command(cmd.Program, cmd.Args...)
	// 独立进程组；子进程以默认信号掩码启动
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	if cmd.CaptureStdout {
		c.Stdout = &stdout
	}
	if cmd.CaptureStderr {
		c.Stderr = &stderr
	}

	if err := c.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", cmd.Program, err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var steps uint32
	for {
		select {
		case err := <-done:
			res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
			if c.ProcessState != nil {
				res.ExitCode = c.ProcessState.ExitCode()
			}
			if err != nil {
				if _, ok := err.(*exec.ExitError); !ok {
					return res, fmt.Errorf("wait %s: %w", cmd.Program, err)
				}
			}
			return res, nil
		case <-ticker.C:
			steps++
			if r.token.Cancelled() {
				r.kill(c)
				<-done
				return Result{ExitCode: -1}, diskerr.Newf(diskerr.Cancelled,
					"%s cancelled", cmd.Program)
			}
			if steps >= timeoutS {
				logger.Error().Msgf("%s not responding, killing it", cmd.Program)
				r.kill(c)
				<-done
				return Result{ExitCode: -1}, diskerr.Newf(diskerr.SubprogramFailed,
					"%s timed out after %d seconds", cmd.Program, timeoutS)
			}
		}
	}
}

func (r *Real) kill(c *exec.Cmd) {
	if c.Process == nil {
		return
	}
	// 对进程组发信号，覆盖子进程再派生的进程
	_ = unix.Kill(-c.Process.Pid, unix.SIGKILL)
}

// DryRun dry-run 执行器
// 查询走真实执行器，修改只打印将要执行的命令
type DryRun struct {
	real *Real
}

var _ Runner = (*DryRun)(nil)

// NewDryRun 创建 dry-run 执行器
func NewDryRun(real *Real) *DryRun {
	return &DryRun{real: real}
}

// Query 实现 Runner 接口
func (d *DryRun) Query(ctx context.Context, cmd Command) (Result, error) {
	return d.real.Query(ctx, cmd)
}

// Mutate 实现 Runner 接口
func (d *DryRun) Mutate(_ context.Context, cmd Command) (Result, error) {
	fmt.Println(cmd.String())
	return Result{}, nil
}

// Rename 实现 Runner 接口
func (d *DryRun) Rename(_ context.Context, oldPath, newPath string) error {
	fmt.Printf("mv %s %s\n", oldPath, newPath)
	return nil
}

// Remove 实现 Runner 接口
func (d *DryRun) Remove(_ context.Context, path string) error {
	fmt.Printf("rm %s\n", path)
	return nil
}

// Exec 实现 Runner 接口
func (d *DryRun) Exec(program string, args []string) error {
	fmt.Println(Command{Program: program, Args: args}.String())
	return nil
}
