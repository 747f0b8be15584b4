package pfr

import "encoding/binary"

// defaultEncoding is the byte order for every multi-byte field in the
// container format and the UFM scalar helpers.
var defaultEncoding = binary.LittleEndian

// encodeUint32 and decodeUint32 are the little-endian scalar
// conversions used for UFM words (cancellation bitmap words, region
// offsets, journal fields).
func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	defaultEncoding.PutUint32(b, v)
	return b
}

func decodeUint32(b []byte) uint32 {
	return defaultEncoding.Uint32(b)
}

// asciiFromBytes trims trailing NUL padding from a fixed-size ASCII
// field (platform_id, version_id).
func asciiFromBytes(raw []byte) string {
	n := len(raw)
	for n > 0 && raw[n-1] == 0 {
		n--
	}
	return string(raw[:n])
}
