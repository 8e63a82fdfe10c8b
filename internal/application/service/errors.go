package service

import "errors"

var (
	// ErrEmptyName 名称为空
	ErrEmptyName = errors.New("instrument name is empty")
	// ErrUnresolved 无法解析为上游 ticker
	ErrUnresolved = errors.New("instrument could not be resolved")
	// ErrInvalidOverride 覆盖参数非法
	ErrInvalidOverride = errors.New("invalid price override")
)

var (
	// ErrExists 标的已存在
	ErrExists = errors.New("instrument already exists")
	// ErrInvalidDelay 延迟非法
	ErrInvalidDelay = errors.New("delay must not be negative")
)
