package utils

import (
	"errors"
)

// 错误分类，调用方用errors.Is判断
var (
	// ErrAuthenticity 签名缺失或校验失败，直接拒绝，不重试
	ErrAuthenticity = errors.New("authenticity check failed")
	// ErrUpstreamUnavailable 记录库/支付方网络错误或5xx，可有限次重试
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrNotFound 预期存在的实体不存在
	ErrNotFound = errors.New("not found")
	// ErrValidation 输入不合法，不重试
	ErrValidation = errors.New("validation failed")
)

// IsPermanent 永久性错误不值得重试
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAuthenticity) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound)
}
