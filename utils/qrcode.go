package utils

import (
	"github.com/skip2/go-qrcode"
)

// GenerateQRCode 生成捐赠页二维码PNG
// size为0时使用256px默认尺寸
func GenerateQRCode(text string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(text, qrcode.Medium, size)
}
