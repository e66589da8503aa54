package signing

import (
	"fmt"
	"hash/crc32"
)

// CRC32 returns the IEEE CRC32 of data as 8 zero-padded lowercase hex digits,
// the format the upload host expects in Content-CRC32.
func CRC32(data []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(data))
}
