package pagevault

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// Envelope is the public manifest of an archive. It carries no secret: every
// wrapped_dek is useless without a matching credential. Byte fields are
// base64 in JSON.
type Envelope struct {
	Version     uint8       `json:"version"`
	ExportID    []byte      `json:"export_id"`
	KDF         KDFParams   `json:"kdf"`
	Compression Compression `json:"compression"`
	ChunkSize   int         `json:"chunk_size"`
	ChunkCount  uint32      `json:"chunk_count"`
	BaseNonce   []byte      `json:"base_nonce"`
	Payload     string      `json:"payload,omitempty"` // chunk directory, PayloadDir when empty
	Slots       []KeySlot   `json:"slots"`
}

// KeySlot is one wrapped copy of the DEK bound to one credential
type KeySlot struct {
	ID         uint32   `json:"id"`
	Kind       SlotKind `json:"kind"`
	Label      string   `json:"label"`
	Salt       []byte   `json:"salt"`
	Nonce      []byte   `json:"nonce"`
	WrappedDEK []byte   `json:"wrapped_dek"`
}

// ExportIDHex returns the export id as lowercase hex
func (e *Envelope) ExportIDHex() string {
	return hex.EncodeToString(e.ExportID)
}

// ChunkDir returns the archive-relative directory holding the chunks
func (e *Envelope) ChunkDir() string {
	if e.Payload == "" {
		return PayloadDir
	}
	return e.Payload
}

// ChunkFile returns the archive-relative path of chunk index
func (e *Envelope) ChunkFile(index uint32) string {
	return e.ChunkDir() + "/" + chunkBaseName(index)
}

// Slot returns the slot with the given id
func (e *Envelope) Slot(id uint32) (KeySlot, bool) {
	for _, s := range e.Slots {
		if s.ID == id {
			return s, true
		}
	}
	return KeySlot{}, false
}

// nextSlotID returns one past the highest slot id in use
func (e *Envelope) nextSlotID() uint32 {
	var next uint32
	for _, s := range e.Slots {
		if s.ID >= next {
			next = s.ID + 1
		}
	}
	return next
}

// Clone returns a deep copy. Slot mutations work on clones so that readers
// holding the previous snapshot never observe a change.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.ExportID = append([]byte(nil), e.ExportID...)
	c.BaseNonce = append([]byte(nil), e.BaseNonce...)
	c.Slots = make([]KeySlot, len(e.Slots))
	for i, s := range e.Slots {
		c.Slots[i] = s.clone()
	}
	return &c
}

func (s KeySlot) clone() KeySlot {
	s.Salt = append([]byte(nil), s.Salt...)
	s.Nonce = append([]byte(nil), s.Nonce...)
	s.WrappedDEK = append([]byte(nil), s.WrappedDEK...)
	return s
}

// Validate checks the structural invariants of a loaded manifest
func (e *Envelope) Validate() error {
	if e.Version == 0 || e.Version > SchemaVersion {
		return NewCorruptionError(ManifestName, fmt.Sprintf("unsupported manifest version %d", e.Version))
	}
	if len(e.ExportID) != ExportIDSize {
		return NewCorruptionError(ManifestName, fmt.Sprintf("export_id must be %d bytes, got %d", ExportIDSize, len(e.ExportID)))
	}
	if len(e.BaseNonce) != NonceSize {
		return NewCorruptionError(ManifestName, fmt.Sprintf("base_nonce must be %d bytes, got %d", NonceSize, len(e.BaseNonce)))
	}
	if e.Payload != "" && !isGenerationDir(e.Payload) {
		return NewCorruptionError(ManifestName, fmt.Sprintf("invalid payload directory %q", e.Payload))
	}
	for _, check := range []func() error{e.KDF.Validate, e.Compression.Validate, func() error { return ValidateChunkSize(e.ChunkSize) }} {
		if err := check(); err != nil {
			return &CorruptionError{Path: ManifestName, Message: err.Error(), Err: err}
		}
	}
	if len(e.Slots) == 0 {
		return NewCorruptionError(ManifestName, "envelope has no key slots")
	}

	ids := make(map[uint32]bool, len(e.Slots))
	pairs := make(map[string]bool, len(e.Slots))
	for _, s := range e.Slots {
		if ids[s.ID] {
			return NewCorruptionError(ManifestName, fmt.Sprintf("duplicate slot id %d", s.ID))
		}
		ids[s.ID] = true

		if s.Kind != SlotKindPassword && s.Kind != SlotKindRecovery {
			return NewCorruptionError(ManifestName, fmt.Sprintf("slot %d: unknown kind %q", s.ID, s.Kind))
		}
		if len(s.Salt) != SaltSize {
			return NewCorruptionError(ManifestName, fmt.Sprintf("slot %d: salt must be %d bytes", s.ID, SaltSize))
		}
		if len(s.Nonce) != NonceSize {
			return NewCorruptionError(ManifestName, fmt.Sprintf("slot %d: nonce must be %d bytes", s.ID, NonceSize))
		}
		if len(s.WrappedDEK) != WrappedKeySize {
			return NewCorruptionError(ManifestName, fmt.Sprintf("slot %d: wrapped_dek must be %d bytes", s.ID, WrappedKeySize))
		}

		pair := string(s.Salt) + string(s.Nonce)
		if pairs[pair] {
			return NewCorruptionError(ManifestName, fmt.Sprintf("slot %d: salt/nonce pair reused", s.ID))
		}
		pairs[pair] = true
	}
	return nil
}

// MarshalManifest encodes the envelope as indented JSON with a trailing newline
func (e *Envelope) MarshalManifest() ([]byte, error) {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteTo writes the encoded manifest to w
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	data, err := e.MarshalManifest()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// ParseManifest decodes and validates a manifest
func ParseManifest(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, &CorruptionError{
			Path:    ManifestName,
			Message: "malformed manifest",
			Err:     fmt.Errorf("%w: %v", ErrInvalidManifest, err),
		}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// ReadManifest reads and validates a manifest from r
func ReadManifest(r io.Reader) (*Envelope, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, NewIOError("read", ManifestName, err)
	}
	return ParseManifest(data)
}
