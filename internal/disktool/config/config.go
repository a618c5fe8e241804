// Package config 提供工具路径和超时配置
//
// 优先级：环境变量 > 配置文件 > 默认值。
// 配置文件是可选的 YAML，路径由环境变量 DISKTOOL_CONFIG 指定。
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 外部工具路径和超时
type Config struct {
	// QemuImg qemu-img 的路径
	// 可以通过环境变量 DISKTOOL_QEMU_IMG 配置
	QemuImg string `yaml:"qemu_img"`

	// Guestfish guestfish 的路径
	// 可以通过环境变量 DISKTOOL_GUESTFISH 配置
	Guestfish string `yaml:"guestfish"`

	// VirtResize virt-resize 的路径
	VirtResize string `yaml:"virt_resize"`

	// VirtSparsify virt-sparsify 的路径
	VirtSparsify string `yaml:"virt_sparsify"`

	// Ploop ploop 工具的路径
	Ploop string `yaml:"ploop"`

	// TimeoutS 外部程序的超时（秒）
	TimeoutS uint32 `yaml:"timeout_s"`
}

// New 加载配置
func New() (*Config, error) {
	cfg := &Config{
		QemuImg:      "qemu-img",
		Guestfish:    "guestfish",
		VirtResize:   "virt-resize",
		VirtSparsify: "virt-sparsify",
		Ploop:        "ploop",
		TimeoutS:     60 * 60,
	}

	if path := os.Getenv("DISKTOOL_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg.QemuImg, "DISKTOOL_QEMU_IMG")
	applyEnv(&cfg.Guestfish, "DISKTOOL_GUESTFISH")
	applyEnv(&cfg.VirtResize, "DISKTOOL_VIRT_RESIZE")
	applyEnv(&cfg.VirtSparsify, "DISKTOOL_VIRT_SPARSIFY")
	applyEnv(&cfg.Ploop, "DISKTOOL_PLOOP")

	return cfg, nil
}

func applyEnv(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
