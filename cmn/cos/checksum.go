package cos

import "github.com/OneOfOne/xxhash"

// ChecksumBytes returns a 64-bit xxhash digest of b, used by the pull engine
// to validate PULL_REPLY payloads end to end (see core/pull.go).
func ChecksumBytes(b []byte) uint64 {
	return xxhash.Checksum64(b)
}
