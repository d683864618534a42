package pagevault

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestManifest_RoundTrip(t *testing.T) {
	env, _ := sealTest(t, []byte("payload"), testOptions(64,
		SlotSpec{Label: "a", Credential: testRecovery(1)},
		SlotSpec{Label: "b", Credential: testRecovery(2)},
	))

	data, err := env.MarshalManifest()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasSuffix(data, []byte("}\n")) {
		t.Error("manifest does not end with a newline")
	}

	got, err := ReadManifest(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadManifest failed: %v", err)
	}
	again, err := got.MarshalManifest()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Fatal("manifest encoding is not stable")
	}
}

func TestManifest_FieldNames(t *testing.T) {
	env, _ := sealTest(t, []byte("payload"), testOptions(64, SlotSpec{Label: "a", Credential: testRecovery(1)}))
	data, err := env.MarshalManifest()
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"version", "export_id", "kdf", "compression", "chunk_size", "chunk_count", "base_nonce", "slots"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("manifest lacks %q", key)
		}
	}

	var slots []map[string]any
	if err := json.Unmarshal(raw["slots"], &slots); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"id", "kind", "label", "salt", "nonce", "wrapped_dek"} {
		if _, ok := slots[0][key]; !ok {
			t.Errorf("slot lacks %q", key)
		}
	}
}

func TestEnvelope_Validate(t *testing.T) {
	base, _ := sealTest(t, []byte("payload"), testOptions(64,
		SlotSpec{Label: "a", Credential: testRecovery(1)},
		SlotSpec{Label: "b", Credential: testRecovery(2)},
	))

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"future version", func(e *Envelope) { e.Version = SchemaVersion + 1 }},
		{"zero version", func(e *Envelope) { e.Version = 0 }},
		{"short export id", func(e *Envelope) { e.ExportID = e.ExportID[:8] }},
		{"short base nonce", func(e *Envelope) { e.BaseNonce = e.BaseNonce[:8] }},
		{"weak kdf", func(e *Envelope) { e.KDF.Memory = 1024 }},
		{"unknown compression", func(e *Envelope) { e.Compression = "zstd" }},
		{"tiny chunk size", func(e *Envelope) { e.ChunkSize = 1 }},
		{"no slots", func(e *Envelope) { e.Slots = nil }},
		{"payload outside archive", func(e *Envelope) { e.Payload = "../payload" }},
		{"payload not a generation", func(e *Envelope) { e.Payload = "assets" }},
		{"payload uppercase hex", func(e *Envelope) { e.Payload = "payload-0123456789ABCDEF" }},
		{"duplicate slot id", func(e *Envelope) { e.Slots[1].ID = e.Slots[0].ID }},
		{"unknown slot kind", func(e *Envelope) { e.Slots[0].Kind = "fido" }},
		{"short salt", func(e *Envelope) { e.Slots[0].Salt = e.Slots[0].Salt[:4] }},
		{"short slot nonce", func(e *Envelope) { e.Slots[0].Nonce = e.Slots[0].Nonce[:4] }},
		{"truncated wrapped dek", func(e *Envelope) { e.Slots[0].WrappedDEK = e.Slots[0].WrappedDEK[:KeySize] }},
		{"reused salt and nonce", func(e *Envelope) {
			e.Slots[1].Salt = e.Slots[0].Salt
			e.Slots[1].Nonce = e.Slots[0].Nonce
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := base.Clone()
			tt.mutate(env)
			if err := env.Validate(); !IsCorruptionError(err) {
				t.Fatalf("got %v, want CorruptionError", err)
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
	rotated := base.Clone()
	rotated.Payload = GenerationDir(rotated.BaseNonce)
	if err := rotated.Validate(); err != nil {
		t.Fatalf("rotated envelope rejected: %v", err)
	}
}

func TestParseManifest_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"not json", "manifest"},
		{"wrong type", `{"version": "one"}`},
		{"unknown field", `{"version": 1, "cipher": "aes"}`},
		{"bad base64", `{"version": 1, "export_id": "!!!"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.data))
			if !IsCorruptionError(err) {
				t.Fatalf("got %v, want CorruptionError", err)
			}
		})
	}
}

func TestEnvelope_NextSlotID(t *testing.T) {
	env := &Envelope{Slots: []KeySlot{{ID: 0}, {ID: 4}, {ID: 2}}}
	if got := env.nextSlotID(); got != 5 {
		t.Fatalf("nextSlotID = %d, want 5", got)
	}
	if got := (&Envelope{}).nextSlotID(); got != 0 {
		t.Fatalf("nextSlotID on empty envelope = %d, want 0", got)
	}
}
