package service

import "errors"

// 业务层通用错误，handler 和网关可根据错误类型映射到 HTTP 状态码或 error 事件。
var (
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrRoomNotFound       = errors.New("room not found")
	ErrForbidden          = errors.New("forbidden")
	ErrMessageNotFound    = errors.New("message not found")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrContentRejected    = errors.New("content rejected")
	ErrDuplicateReaction  = errors.New("duplicate reaction")
	ErrAdapterUnavailable = errors.New("adapter unavailable")
)
