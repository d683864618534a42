package pagevault

import (
	"encoding/binary"
)

// ChunkAADSize is export_id ‖ be32(index) ‖ schema_version
const ChunkAADSize = ExportIDSize + 4 + 1

// SlotAADSize is export_id ‖ be32(slot_id)
const SlotAADSize = ExportIDSize + 4

// ChunkNonce returns the nonce for chunk index: baseNonce with its last four
// bytes replaced by be32(index). The counter is written, never XORed in, so
// distinct indices always give distinct nonces under one DEK.
func ChunkNonce(baseNonce []byte, index uint32) []byte {
	nonce := make([]byte, NonceSize)
	copy(nonce, baseNonce[:NonceSize-4])
	binary.BigEndian.PutUint32(nonce[NonceSize-4:], index)
	return nonce
}

// ChunkAAD binds a chunk to its archive, position and schema version
func ChunkAAD(exportID []byte, index uint32) []byte {
	aad := make([]byte, ChunkAADSize)
	copy(aad, exportID[:ExportIDSize])
	binary.BigEndian.PutUint32(aad[ExportIDSize:], index)
	aad[ChunkAADSize-1] = SchemaVersion
	return aad
}

// SlotAAD binds a wrapped DEK to its archive and slot id
func SlotAAD(exportID []byte, slotID uint32) []byte {
	aad := make([]byte, SlotAADSize)
	copy(aad, exportID[:ExportIDSize])
	binary.BigEndian.PutUint32(aad[ExportIDSize:], slotID)
	return aad
}
