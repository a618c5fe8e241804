// Package diskerr 提供磁盘工具的统一错误类型，用于所有操作的错误处理
package diskerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code 错误代码
type Code string

const (
	// InvalidArgs 命令行参数无效
	InvalidArgs Code = "InvalidArgs"
	// InvalidHdd 磁盘路径无效或不是受支持的镜像
	InvalidHdd Code = "InvalidHdd"
	// Locked 镜像被其他进程锁定
	Locked Code = "Locked"
	// NoFreeSpace 宿主机剩余空间不足
	NoFreeSpace Code = "NoFreeSpace"
	// NoPartitions 镜像上没有分区
	NoPartitions Code = "NoPartitions"
	// NoPartitionTable 镜像上没有分区表
	NoPartitionTable Code = "NoPartitionTable"
	// UnsupportedPartition 分区类型不受支持
	UnsupportedPartition Code = "UnsupportedPartition"
	// UnsupportedFs 文件系统不受支持
	UnsupportedFs Code = "UnsupportedFs"
	// PloopNotMounted ploop 镜像未挂载
	PloopNotMounted Code = "PloopNotMounted"
	// HasInternalSnapshots 镜像包含内部快照
	HasInternalSnapshots Code = "HasInternalSnapshots"
	// CannotConvertNeedMerge 链长度大于 1，转换前需要先合并
	CannotConvertNeedMerge Code = "CannotConvertNeedMerge"
	// SubprogramFailed 外部程序返回非零退出码
	SubprogramFailed Code = "SubprogramFailed"
	// ParseError 外部程序输出解析失败
	ParseError Code = "ParseError"
	// Cancelled 操作被取消
	Cancelled Code = "Cancelled"
	// Internal 内部错误（兜底）
	Internal Code = "Internal"
)

// Error 单个错误信息
type Error struct {
	Code     Code
	Message  string
	RawError error // 底层错误，用于调试
}

// Error 实现 error 接口
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.RawError != nil {
		str += fmt.Sprintf(" (RawError: %v)", e.RawError)
	}
	return str
}

// Is 实现 errors.Is 接口，用于错误类型判断
// 如果 target 是 *Error 类型且 Code 相同，则返回 true
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	t, ok := target.(*Error)
	if !ok {
		return false
	}

	if e == nil || t == nil {
		return false
	}

	return e.Code == t.Code
}

// Unwrap 实现 errors.Unwrap 接口，返回底层错误
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.RawError
}

// 编译时检查 Error 是否实现了所有必需的接口
var _ interface {
	Error() string
	Is(target error) bool
	Unwrap() error
} = (*Error)(nil)

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf 创建带格式化消息的错误
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, RawError: err}
}

// NewNoFreeSpace 创建空间不足错误，携带需要和可用的字节数
func NewNoFreeSpace(needed, available uint64) *Error {
	return Newf(NoFreeSpace,
		"not enough free space: %d bytes needed, %d bytes available", needed, available)
}

// NewSubprogramFailed 创建外部程序失败错误
func NewSubprogramFailed(program string, args []string, exitCode int) *Error {
	return Newf(SubprogramFailed,
		"%s %s failed with exit code %d", program, strings.Join(args, " "), exitCode)
}

// CodeOf 返回错误链中最外层 *Error 的代码；非 *Error 类型返回 Internal
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// HasCode 判断错误链中最外层的 *Error 是否带有指定代码
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
