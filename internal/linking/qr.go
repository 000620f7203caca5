package linking

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 256

// renderQR encodes the login deep link as a PNG.
func renderQR(url string) ([]byte, error) {
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return png, nil
}
