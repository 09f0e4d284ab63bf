package scan

import (
	"errors"
	"fmt"
)

var (
	// ErrReadTimeout 读取在轮询周期内没有收到任何帧,不是错误
	ErrReadTimeout = errors.New("read timeout")
	// ErrNotComplete 会话尚未结束时请求结果快照
	ErrNotComplete = errors.New("scan session is not complete")
	// ErrAlreadyStarted 同一个会话只能运行一次
	ErrAlreadyStarted = errors.New("scan session already started")
)

// InvalidRangeError 目标范围无法解析或者没有可用的主机
type InvalidRangeError struct {
	Range  string
	Reason string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range %q: %s", e.Range, e.Reason)
}

// ConfigError 配置错误,在发送任何流量之前返回
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// InterfaceWriteError 网卡拒绝写入,整个会话中止
type InterfaceWriteError struct {
	Interface string
	Err       error
}

func (e *InterfaceWriteError) Error() string {
	return fmt.Sprintf("write on %s failed: %v", e.Interface, e.Err)
}

func (e *InterfaceWriteError) Unwrap() error { return e.Err }

// InterfaceReadError 读取失败,监听者记录后继续
type InterfaceReadError struct {
	Interface string
	Err       error
}

func (e *InterfaceReadError) Error() string {
	return fmt.Sprintf("read on %s failed: %v", e.Interface, e.Err)
}

func (e *InterfaceReadError) Unwrap() error { return e.Err }
