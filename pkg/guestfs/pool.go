package guestfs

import (
	"context"

	"github.com/jimyag/disktool/pkg/abort"
	"github.com/jimyag/disktool/pkg/diskerr"
	"github.com/jimyag/disktool/pkg/runner"
)

// SessionPool 按镜像路径缓存 guestfish 会话
//
// 同一个操作里对同一镜像的多次访问复用句柄。请求可写句柄时
// 如果缓存的是只读句柄，先关掉再重开；请求只读句柄时，缓存的
// 可写句柄直接复用。
// 每次获取句柄之前检查取消令牌。
type SessionPool struct {
	guestfishPath string
	run           runner.Runner
	token         *abort.Token

	handles map[string]*Handle
}

// NewSessionPool 创建会话池
func NewSessionPool(guestfishPath string, run runner.Runner, token *abort.Token) *SessionPool {
	return &SessionPool{
		guestfishPath: guestfishPath,
		run:           run,
		token:         token,
		handles:       make(map[string]*Handle),
	}
}

// GetReadonly 获取镜像的只读句柄
func (p *SessionPool) GetReadonly(ctx context.Context, imagePath string) (*Handle, error) {
	return p.get(ctx, imagePath, true)
}

// GetWritable 获取镜像的可写句柄
func (p *SessionPool) GetWritable(ctx context.Context, imagePath string) (*Handle, error) {
	return p.get(ctx, imagePath, false)
}

func (p *SessionPool) get(ctx context.Context, imagePath string, readOnly bool) (*Handle, error) {
	if p.token.Cancelled() {
		return nil, diskerr.New(diskerr.Cancelled, "operation cancelled")
	}

	if h, ok := p.handles[imagePath]; ok {
		if h.ReadOnly() == readOnly || !h.ReadOnly() {
			return h, nil
		}
		// 缓存的是只读句柄而请求可写，关掉重开
		if err := h.Close(ctx); err != nil {
			return nil, err
		}
		delete(p.handles, imagePath)
	}

	var (
		h   *Handle
		err error
	)
	if readOnly {
		h, err = LaunchReadOnly(ctx, p.run, p.guestfishPath, imagePath)
	} else {
		h, err = Launch(ctx, p.run, p.guestfishPath, imagePath)
	}
	if err != nil {
		return nil, err
	}
	p.handles[imagePath] = h
	return h, nil
}

// Close 关闭镜像的缓存句柄（如果有）
func (p *SessionPool) Close(ctx context.Context, imagePath string) error {
	h, ok := p.handles[imagePath]
	if !ok {
		return nil
	}
	delete(p.handles, imagePath)
	return h.Close(ctx)
}

// CloseAll 关闭所有缓存的句柄
func (p *SessionPool) CloseAll(ctx context.Context) {
	for path, h := range p.handles {
		_ = h.Close(ctx)
		delete(p.handles, path)
	}
}
