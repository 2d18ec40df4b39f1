package activation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 实体或 token 不存在。
	ErrNotFound = errors.New("not found")

	// ErrAlreadyActivated 实体已激活。对调用方不算失败：
	// 编排器捕获后回读既有记录并按成功返回。
	ErrAlreadyActivated = errors.New("already activated")

	// ErrTokenCollision 生成的 token 与已有记录撞号，调用方换新 token 重试。
	ErrTokenCollision = errors.New("token collision")

	// ErrCounterUnavailable 免费额度计数器读写失败。
	// 必须 fail closed：不允许退化成“默认收费”继续激活。
	ErrCounterUnavailable = errors.New("free-tier counter unavailable")

	// ErrActivationFailed 原子段（查重/计数/落台账）失败，实体保持未激活，可安全重试。
	ErrActivationFailed = errors.New("activation failed")
)

// PreconditionError 激活前置条件不满足（如手机号未验证），带给用户看的原因。
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s", e.Reason)
}

// IsPrecondition 判断 err 是否为前置条件错误。
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}
