// Package idgen 提供全局唯一 ID 生成
//
// 使用 Sonyflake 算法，用于生成回滚快照名。
package idgen

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

// Generator 递增 ID 生成器
type Generator struct {
	sf *sonyflake.Sonyflake
}

var (
	defaultGenerator     *Generator
	defaultGeneratorOnce sync.Once
)

// DefaultGenerator 返回默认的 ID 生成器
func DefaultGenerator() *Generator {
	defaultGeneratorOnce.Do(func() {
		defaultGenerator = New()
	})
	return defaultGenerator
}

// New 创建新的 ID 生成器
func New() *Generator {
	sf := sonyflake.NewSonyflake(sonyflake.Settings{
		StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if sf == nil {
		sf = sonyflake.NewSonyflake(sonyflake.Settings{
			StartTime: time.Now(),
		})
	}

	return &Generator{sf: sf}
}

// GenerateSnapshotID 生成回滚快照名（格式：resize-{递增 ID}）
func (g *Generator) GenerateSnapshotID() (string, error) {
	id, err := g.sf.NextID()
	if err != nil {
		return "", fmt.Errorf("generate snapshot ID: %w", err)
	}
	return fmt.Sprintf("resize-%d", id), nil
}

// GenerateSnapshotID 使用默认生成器生成回滚快照名
func GenerateSnapshotID() (string, error) {
	return DefaultGenerator().GenerateSnapshotID()
}
