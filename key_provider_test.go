package pagevault

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"
)

func TestDeriveKEK_Deterministic(t *testing.T) {
	if testing.Short() {
		t.Skip("argon2id at the minimum cost is slow")
	}
	salt := bytes.Repeat([]byte{7}, SaltSize)
	params := DefaultKDFParams()

	k1, err := DeriveKEK([]byte("correct horse"), salt, params)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := DeriveKEK([]byte("correct horse"), salt, params)
	if err != nil {
		t.Fatal(err)
	}
	if len(k1) != KeySize || !bytes.Equal(k1, k2) {
		t.Fatal("identical inputs gave different keys")
	}

	other, err := DeriveKEK([]byte("correct horse"), bytes.Repeat([]byte{8}, SaltSize), params)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1, other) {
		t.Fatal("different salts gave the same key")
	}
}

func TestDeriveKEK_RejectsWeakParams(t *testing.T) {
	salt := make([]byte, SaltSize)
	tests := []struct {
		name   string
		params KDFParams
	}{
		{"low memory", KDFParams{Memory: MinKDFMemory - 1, Iterations: 3, Parallelism: 4}},
		{"one pass", KDFParams{Memory: MinKDFMemory, Iterations: 1, Parallelism: 4}},
		{"one lane", KDFParams{Memory: MinKDFMemory, Iterations: 3, Parallelism: 1}},
		{"zero", KDFParams{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := DeriveKEK([]byte("pw"), salt, tt.params)
			if key != nil || !IsConfigurationError(err) {
				t.Fatalf("got %v, want ConfigurationError and no key", err)
			}
		})
	}

	if _, err := DeriveKEK(nil, salt, DefaultKDFParams()); !IsConfigurationError(err) {
		t.Errorf("empty password: got %v", err)
	}
	if _, err := DeriveKEK([]byte("pw"), nil, DefaultKDFParams()); !IsConfigurationError(err) {
		t.Errorf("empty salt: got %v", err)
	}
}

func TestDeriveKEKFromSecretMaterial(t *testing.T) {
	secret := bytes.Repeat([]byte{1}, RecoverySecretSize)
	salt := bytes.Repeat([]byte{2}, SaltSize)

	k1, err := DeriveKEKFromSecretMaterial(secret, salt, RecoveryKEKInfo)
	if err != nil {
		t.Fatal(err)
	}
	k2, _ := DeriveKEKFromSecretMaterial(secret, salt, RecoveryKEKInfo)
	if len(k1) != KeySize || !bytes.Equal(k1, k2) {
		t.Fatal("HKDF is not deterministic")
	}

	k3, _ := DeriveKEKFromSecretMaterial(secret, salt, "another/label")
	if bytes.Equal(k1, k3) {
		t.Fatal("info label does not separate keys")
	}

	if _, err := DeriveKEKFromSecretMaterial(secret[:MinRecoverySecretSize-1], salt, RecoveryKEKInfo); !IsConfigurationError(err) {
		t.Errorf("short secret: got %v, want ConfigurationError", err)
	}
	if _, err := DeriveKEKFromSecretMaterial(secret, salt, ""); !IsConfigurationError(err) {
		t.Errorf("empty info: got %v, want ConfigurationError", err)
	}
}

func TestCredential_CopiesAndWipes(t *testing.T) {
	raw := []byte("super secret value")
	cred := Password(raw)
	raw[0] = 'X'

	p := cred.(*passwordCredential)
	if p.secret[0] != 's' {
		t.Fatal("Password kept a reference to the caller's slice")
	}
	cred.Wipe()
	if !bytes.Equal(p.secret, make([]byte, len(p.secret))) {
		t.Fatal("Wipe left secret bytes behind")
	}

	if Password(nil).validate() == nil {
		t.Error("empty password accepted")
	}
	if RecoverySecret(make([]byte, MinRecoverySecretSize-1)).validate() == nil {
		t.Error("short recovery secret accepted")
	}
}

func TestRecoverySecret_FormatAndParse(t *testing.T) {
	secret, err := GenerateRecoverySecret(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(secret) != RecoverySecretSize {
		t.Fatalf("generated %d bytes, want %d", len(secret), RecoverySecretSize)
	}

	formatted := FormatRecoverySecret(secret)
	groups := strings.Split(formatted, "-")
	if len(groups) != RecoverySecretSize*2/8 {
		t.Fatalf("got %d groups in %q", len(groups), formatted)
	}

	parsed, err := ParseRecoverySecret("  " + strings.ToUpper(formatted) + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(parsed, secret) {
		t.Fatal("parse did not reverse format")
	}

	if _, err := ParseRecoverySecret("not-hex-at-all"); !IsConfigurationError(err) {
		t.Errorf("invalid hex: got %v", err)
	}
	if _, err := ParseRecoverySecret(hex.EncodeToString(make([]byte, 8))); !IsConfigurationError(err) {
		t.Errorf("short secret: got %v", err)
	}
}

func TestGenerateRecoverySecret_RandomFailure(t *testing.T) {
	if _, err := GenerateRecoverySecret(failingReader{}); !IsResourceExhausted(err) {
		t.Fatalf("got %v, want ResourceExhaustedError", err)
	}
}

func TestUnlock_KindMismatch(t *testing.T) {
	env, _ := sealTest(t, []byte("payload"), testOptions(64, SlotSpec{Label: "r", Credential: testRecovery(1)}))

	// a password never reaches a recovery slot, so no argon2 work is done
	_, err := Unlock(context.Background(), env, Password([]byte("pw")))
	if !IsAuthenticationError(err) {
		t.Fatalf("got %v, want AuthenticationError", err)
	}
}

func TestUnlock_ContextCancelled(t *testing.T) {
	env, _ := sealTest(t, []byte("payload"), testOptions(64, SlotSpec{Label: "r", Credential: testRecovery(1)}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Unlock(ctx, env, testRecovery(1)); err == nil {
		t.Fatal("unlock succeeded with a cancelled context")
	}
}

func TestChunkNonce(t *testing.T) {
	base := make([]byte, NonceSize)
	if _, err := rand.Read(base); err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]uint32)
	for _, i := range []uint32{0, 1, 2, 255, 256, 65535, 1 << 24, 1<<32 - 1} {
		n := ChunkNonce(base, i)
		if !bytes.Equal(n[:8], base[:8]) {
			t.Fatalf("nonce %d changed the base prefix", i)
		}
		want := []byte{byte(i >> 24), byte(i >> 16), byte(i >> 8), byte(i)}
		if !bytes.Equal(n[8:], want) {
			t.Fatalf("nonce %d suffix = %x, want %x", i, n[8:], want)
		}
		if prev, dup := seen[string(n)]; dup {
			t.Fatalf("indices %d and %d share a nonce", prev, i)
		}
		seen[string(n)] = i
	}
}

func TestAAD(t *testing.T) {
	exportID := bytes.Repeat([]byte{0xab}, ExportIDSize)

	aad := ChunkAAD(exportID, 0x01020304)
	if len(aad) != 21 {
		t.Fatalf("chunk AAD is %d bytes, want 21", len(aad))
	}
	if !bytes.Equal(aad[ExportIDSize:ExportIDSize+4], []byte{1, 2, 3, 4}) || aad[20] != SchemaVersion {
		t.Fatalf("unexpected chunk AAD %x", aad)
	}

	slot := SlotAAD(exportID, 7)
	if len(slot) != 20 || !bytes.Equal(slot[ExportIDSize:], []byte{0, 0, 0, 7}) {
		t.Fatalf("unexpected slot AAD %x", slot)
	}
}
