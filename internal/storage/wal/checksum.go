package wal

// ============================================================================
// Checksums
// Responsibility: CRC32 over the identifying fields of a record
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum returns the CRC32-IEEE of type, seq, epoch, slot and hash.
// Timestamp is excluded.
func CalculateChecksum(event Event) uint32 {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], event.Seq)
	binary.BigEndian.PutUint64(buf[8:16], uint64(event.Epoch))
	binary.BigEndian.PutUint64(buf[16:24], uint64(event.Slot))

	h := crc32.NewIEEE()
	h.Write([]byte(event.Type))
	h.Write(buf[:])
	h.Write(event.Hash[:])
	return h.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the record.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
