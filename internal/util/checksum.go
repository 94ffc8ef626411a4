package util

import (
	"hash/crc32"
)

// CRC32 (IEEE) checksums guard every journal record on disk.

var crcTable = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// ValidateChecksum reports whether data hashes to expected
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}
