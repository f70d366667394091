package storage

import "errors"

var (
	// ErrUnavailable 后端不可达。直接上抛给调用方，本层不做重试，
	// 由调用方决定 fail-open 还是 fail-closed
	ErrUnavailable = errors.New("storage backend is unavailable")

	// ErrNotFound key/字段/成员不存在。对租约、锁、会话而言缺失是
	// 正常返回值，组件层会把它翻译成零值或 nil
	ErrNotFound = errors.New("key not found")

	// ErrInvalidArgument 参数非法（空 requestID、非法 glob 等），立即失败
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrWrongType 对持有其它类型值的 key 执行了类型不符的操作
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")
)
