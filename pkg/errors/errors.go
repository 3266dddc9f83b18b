// Package errors 提供跨层错误类别与包装辅助，不依赖 internal。
// 实体级 not-found 哨兵放在各自 store 包里，这里只放 HTTP 层
// 按类别映射状态码的横切哨兵
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArg 请求参数不合法（映射 400）
	ErrInvalidArg = errors.New("invalid argument")
	// ErrConflict 状态机冲突类（映射 409）；派生哨兵用 Wrap 挂在它下面
	ErrConflict = errors.New("conflict")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
