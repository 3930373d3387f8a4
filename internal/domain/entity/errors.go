package entity

import "errors"

// 实体层校验错误
var (
	ErrInvalidChannel  = errors.New("invalid channel")
	ErrInvalidChatID   = errors.New("invalid chat id")
	ErrInvalidTurnRole = errors.New("invalid turn role")
	ErrEmptyContent    = errors.New("empty message content")
)
