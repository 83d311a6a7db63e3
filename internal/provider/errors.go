package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrProviderTimeout：外部调用超时；可恢复，触发下一层级
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrProviderError：外部调用失败（非 2xx、解码失败、业务状态码异常）；可恢复
	ErrProviderError = errors.New("provider error")
)

// 文档注释：外部调用错误
// 背景：统一携带数据源与操作名，便于进度文案与告警列表指出是哪一层级的哪个数据源失败。
// 约束：errors.Is 可匹配 ErrProviderTimeout/ErrProviderError 以及底层原因。
type Error struct {
	Provider string
	Op       string
	Status   int
	Timeout  bool
	Err      error
}

func (e *Error) Error() string {
	kind := "error"
	if e.Timeout {
		kind = "timeout"
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (status %d): %v", e.Provider, e.Op, kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, kind, e.Err)
}

func (e *Error) Unwrap() []error {
	kind := ErrProviderError
	if e.Timeout {
		kind = ErrProviderTimeout
	}
	if e.Err == nil {
		return []error{kind}
	}
	return []error{kind, e.Err}
}

// Wrap：把底层错误归类为超时或普通失败；nil 透传
func Wrap(providerName, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Provider: providerName, Op: op, Timeout: IsTimeout(err), Err: err}
}

// StatusError：HTTP 非 2xx
func StatusError(providerName, op string, status int) error {
	return &Error{Provider: providerName, Op: op, Status: status, Err: fmt.Errorf("unexpected status %d", status)}
}

func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProviderTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
