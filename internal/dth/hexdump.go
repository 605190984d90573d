package dth

import (
	"encoding/hex"
	"strings"
)

// HexPreview renders up to n leading bytes of buf as space-separated hex
// pairs.
func HexPreview(buf []byte, n int) string {
	if n <= 0 || n > len(buf) {
		n = len(buf)
	}
	var b strings.Builder
	b.Grow(n * 3)
	pair := make([]byte, 2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		hex.Encode(pair, buf[i:i+1])
		b.Write(pair)
	}
	return b.String()
}
