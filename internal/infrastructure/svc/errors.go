package svc

import "errors"

// ErrUnknownFeedSource 错误：配置的 feed 源未注册
var ErrUnknownFeedSource = errors.New("unknown feed source")

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")

// ErrCatalogLoadFailed 错误：符号目录加载失败
var ErrCatalogLoadFailed = errors.New("catalog load failed")
