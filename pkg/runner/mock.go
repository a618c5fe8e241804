package runner

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockRunner 是 Runner 的 mock 实现
// 用于测试，不需要真实的外部工具
type MockRunner struct {
	mock.Mock
}

var _ Runner = (*MockRunner)(nil)

// NewMockRunner 创建新的 MockRunner
func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

// Query 实现 Runner 接口
func (m *MockRunner) Query(ctx context.Context, cmd Command) (Result, error) {
	args := m.Called(ctx, cmd)
	return args.Get(0).(Result), args.Error(1)
}

// Mutate 实现 Runner 接口
func (m *MockRunner) Mutate(ctx context.Context, cmd Command) (Result, error) {
	args := m.Called(ctx, cmd)
	return args.Get(0).(Result), args.Error(1)
}

// Rename 实现 Runner 接口
func (m *MockRunner) Rename(ctx context.Context, oldPath, newPath string) error {
	args := m.Called(ctx, oldPath, newPath)
	return args.Error(0)
}

// Remove 实现 Runner 接口
func (m *MockRunner) Remove(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

// Exec 实现 Runner 接口
func (m *MockRunner) Exec(program string, args []string) error {
	a := m.Called(program, args)
	return a.Error(0)
}
