// Package abort 提供进程级取消令牌和信号监听
//
// 一个进程只有一个 Token。专门的监听 goroutine 等待
// SIGTERM/SIGINT/SIGUSR1：收到 TERM/INT 时置位令牌；
// SIGUSR1 只用于停止监听 goroutine 本身。
// 所有长时间运行的操作在安全点轮询 Token。
package abort

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Token 取消令牌
// 只有信号监听方写入，其余调用方只读，使用 atomic.Bool 即可
type Token struct {
	cancelled atomic.Bool
}

// Cancel 置位令牌
func (t *Token) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled 返回令牌是否已置位
func (t *Token) Cancelled() bool {
	if t == nil {
		return false
	}
	return t.cancelled.Load()
}

// Signal 信号监听器
// Start 启动监听 goroutine，Stop 通过 SIGUSR1 停止它。
// 如果 Stop 时已经有排队的 TERM/INT，取消仍然生效。
type Signal struct {
	token *Token

	mu      sync.Mutex
	stop    chan os.Signal
	cancel  chan os.Signal
	done    chan struct{}
	running bool
}

// NewSignal 创建信号监听器
func NewSignal(token *Token) *Signal {
	return &Signal{token: token}
}

// Token 返回监听器持有的令牌
func (s *Signal) Token() *Token {
	return s.token
}

// Start 启动监听 goroutine
func (s *Signal) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	// 缓冲为 1：Notify 不会阻塞，排队的信号保留到 drain 检查
	s.cancel = make(chan os.Signal, 1)
	s.stop = make(chan os.Signal, 1)
	s.done = make(chan struct{})
	signal.Notify(s.cancel, unix.SIGTERM, unix.SIGINT)
	signal.Notify(s.stop, unix.SIGUSR1)

	s.running = true
	go s.wait()
}

// Stop 停止监听 goroutine 并等待其退出
func (s *Signal) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	_ = unix.Kill(unix.Getpid(), unix.SIGUSR1)
	<-s.done

	signal.Stop(s.cancel)
	signal.Stop(s.stop)
	s.running = false
}

func (s *Signal) wait() {
	defer close(s.done)

	select {
	case <-s.cancel:
	case <-s.stop:
		// 排队的 TERM/INT 优先于停止请求
		select {
		case <-s.cancel:
		default:
			return
		}
	}

	log.Info().Msg("Terminate")
	if s.token != nil {
		s.token.Cancel()
	}
}
