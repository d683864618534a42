package pagevault

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func setupTestArchive(t *testing.T, payload []byte, slots ...SlotSpec) (*DirFS, *Archive) {
	t.Helper()
	fs := NewDirFS(t.TempDir())
	a, err := CreateArchive(context.Background(), fs, "/site", bytes.NewReader(payload), testOptions(1024, slots...))
	if err != nil {
		t.Fatalf("CreateArchive failed: %v", err)
	}
	return fs, a
}

func readArchive(t *testing.T, a *Archive, cred Credential) []byte {
	t.Helper()
	sess, err := a.Unlock(context.Background(), cred)
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	defer sess.Lock()

	sink, err := NewMemorySink()
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Discard()
	if err := a.Decrypt(context.Background(), sess, sink); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	data, err := sink.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func readManifestFile(t *testing.T, fs *DirFS) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(fs.Root, "site", ManifestName))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestArchive_CreateAndOpen(t *testing.T) {
	payload := randomPayload(t, 10*1024)
	fs, a := setupTestArchive(t, payload, SlotSpec{Label: "owner", Credential: testRecovery(1)})

	env := a.Manifest()
	for i := uint32(0); i < env.ChunkCount; i++ {
		if _, err := os.Stat(filepath.Join(fs.Root, "site", filepath.FromSlash(ChunkFileName(i)))); err != nil {
			t.Fatalf("chunk %d missing: %v", i, err)
		}
	}
	if _, err := os.Stat(filepath.Join(fs.Root, "site", stagingDir)); !os.IsNotExist(err) {
		t.Error("staging directory left behind")
	}

	reopened, err := OpenArchive(fs, "/site", nil)
	if err != nil {
		t.Fatalf("OpenArchive failed: %v", err)
	}
	if !bytes.Equal(reopened.Manifest().ExportID, env.ExportID) {
		t.Fatal("reopened archive has a different export id")
	}
	if got := readArchive(t, reopened, testRecovery(1)); !bytes.Equal(got, payload) {
		t.Fatal("reopened archive does not round trip")
	}

	_, err = CreateArchive(context.Background(), fs, "/site", bytes.NewReader(payload), testOptions(1024, SlotSpec{Label: "x", Credential: testRecovery(1)}))
	if !IsConfigurationError(err) {
		t.Fatalf("overwrite: got %v, want ConfigurationError", err)
	}
}

func TestArchive_FailedCreateLeavesNothing(t *testing.T) {
	fs := NewDirFS(t.TempDir())
	opts := testOptions(1024, SlotSpec{Label: "owner", Credential: testRecovery(1)})
	opts.Rand = failingReader{}

	if _, err := CreateArchive(context.Background(), fs, "/site", bytes.NewReader([]byte("payload")), opts); !IsResourceExhausted(err) {
		t.Fatalf("got %v, want ResourceExhaustedError", err)
	}
	if _, err := OpenArchive(fs, "/site", nil); !errors.Is(err, ErrArchiveNotFound) {
		t.Fatalf("got %v, want ErrArchiveNotFound", err)
	}
}

func TestOpenArchive_Errors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		_, err := OpenArchive(NewDirFS(t.TempDir()), "/", nil)
		if !IsIOError(err) || !errors.Is(err, ErrArchiveNotFound) {
			t.Fatalf("got %v, want IOError(ErrArchiveNotFound)", err)
		}
	})

	t.Run("corrupt manifest", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, ManifestName), []byte(`{"version": 1, "surprise": true}`), 0644); err != nil {
			t.Fatal(err)
		}
		_, err := OpenArchive(NewDirFS(dir), "/", nil)
		if !IsCorruptionError(err) {
			t.Fatalf("got %v, want CorruptionError", err)
		}
	})
}

func TestArchive_SlotLifecycle(t *testing.T) {
	payload := randomPayload(t, 4096)
	fs, a := setupTestArchive(t, payload,
		SlotSpec{Label: "owner", Credential: testRecovery(1)},
		SlotSpec{Label: "friend", Credential: testRecovery(2)},
	)
	chunkBefore, err := a.ReadChunk(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}

	sess, err := a.Unlock(context.Background(), testRecovery(1))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Lock()

	env, err := a.AddSlot(sess, SlotSpec{Label: "backup", Credential: testRecovery(3)}, nil)
	if err != nil {
		t.Fatalf("AddSlot failed: %v", err)
	}
	if len(env.Slots) != 3 {
		t.Fatalf("got %d slots, want 3", len(env.Slots))
	}

	if _, err := a.RevokeSlot(0); err != nil {
		t.Fatalf("RevokeSlot failed: %v", err)
	}
	if _, err := a.RevokeSlot(1); err != nil {
		t.Fatalf("RevokeSlot failed: %v", err)
	}

	// persisted
	reopened, err := OpenArchive(fs, "/site", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.Manifest(); len(got.Slots) != 1 || got.Slots[0].Label != "backup" {
		t.Fatalf("unexpected slots after reopen: %+v", got.Slots)
	}
	if _, err := reopened.Unlock(context.Background(), testRecovery(1)); !IsAuthenticationError(err) {
		t.Fatalf("revoked credential: got %v, want AuthenticationError", err)
	}
	if got := readArchive(t, reopened, testRecovery(3)); !bytes.Equal(got, payload) {
		t.Fatal("added slot does not decrypt")
	}

	// slot changes never touch chunks
	chunkAfter, err := reopened.ReadChunk(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(chunkBefore, chunkAfter) {
		t.Fatal("slot mutation rewrote payload chunks")
	}

	// the last slot stays, byte for byte
	before := readManifestFile(t, fs)
	_, err = reopened.RevokeSlot(2)
	if !IsInvariantViolation(err) || !errors.Is(err, ErrLastSlot) {
		t.Fatalf("got %v, want InvariantViolation(ErrLastSlot)", err)
	}
	if after := readManifestFile(t, fs); !bytes.Equal(before, after) {
		t.Fatal("manifest on disk changed after a refused revoke")
	}
}

func TestArchive_ManifestSnapshot(t *testing.T) {
	_, a := setupTestArchive(t, []byte("payload"),
		SlotSpec{Label: "a", Credential: testRecovery(1)},
		SlotSpec{Label: "b", Credential: testRecovery(2)},
	)
	snap := a.Manifest()
	if _, err := a.RevokeSlot(1); err != nil {
		t.Fatal(err)
	}
	if len(snap.Slots) != 2 {
		t.Fatal("snapshot changed under a reader")
	}
	if len(a.Manifest().Slots) != 1 {
		t.Fatal("archive did not publish the new snapshot")
	}
}

func siteEntryExists(fs *DirFS, name string) bool {
	_, err := os.Stat(filepath.Join(fs.Root, "site", name))
	return err == nil
}

func TestArchive_Rotate(t *testing.T) {
	payload := randomPayload(t, 20*1024)
	fs, a := setupTestArchive(t, payload, SlotSpec{Label: "old", Credential: testRecovery(1)})
	old := a.Manifest()

	env, err := a.Rotate(context.Background(), testRecovery(1), KeyRotationOptions{
		NewSlots: []SlotSpec{{Label: "new", Credential: testRecovery(2)}},
	})
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if !bytes.Equal(env.ExportID, old.ExportID) || bytes.Equal(env.BaseNonce, old.BaseNonce) {
		t.Fatal("rotation must keep the export id and replace the base nonce")
	}
	if env.ChunkDir() != GenerationDir(env.BaseNonce) {
		t.Fatalf("chunk dir = %q, want %q", env.ChunkDir(), GenerationDir(env.BaseNonce))
	}

	for _, name := range []string{rotateDir, manifestTmp} {
		if siteEntryExists(fs, name) {
			t.Errorf("%s left behind after rotation", name)
		}
	}
	if !siteEntryExists(fs, PayloadDir) {
		t.Error("replaced generation removed while snapshot readers may still need it")
	}

	reopened, err := OpenArchive(fs, "/site", nil)
	if err != nil {
		t.Fatal(err)
	}
	if siteEntryExists(fs, PayloadDir) {
		t.Error("replaced generation not pruned on open")
	}
	if _, err := reopened.Unlock(context.Background(), testRecovery(1)); !IsAuthenticationError(err) {
		t.Fatalf("old credential: got %v, want AuthenticationError", err)
	}
	if got := readArchive(t, reopened, testRecovery(2)); !bytes.Equal(got, payload) {
		t.Fatal("rotated archive does not round trip")
	}
}

func TestArchive_RotateTwiceKeepsOneRetiredGeneration(t *testing.T) {
	payload := randomPayload(t, 4096)
	fs, a := setupTestArchive(t, payload, SlotSpec{Label: "a", Credential: testRecovery(1)})
	rotate := func(from, to byte) *Envelope {
		env, err := a.Rotate(context.Background(), testRecovery(from), KeyRotationOptions{
			NewSlots: []SlotSpec{{Label: "a", Credential: testRecovery(to)}},
		})
		if err != nil {
			t.Fatalf("Rotate failed: %v", err)
		}
		return env
	}

	first := rotate(1, 2)
	second := rotate(2, 3)

	if siteEntryExists(fs, PayloadDir) {
		t.Error("generation from two rotations ago still on disk")
	}
	for _, dir := range []string{first.ChunkDir(), second.ChunkDir()} {
		if !siteEntryExists(fs, dir) {
			t.Errorf("%s missing", dir)
		}
	}
	if got := readArchive(t, a, testRecovery(3)); !bytes.Equal(got, payload) {
		t.Fatal("archive does not round trip after two rotations")
	}
}

func TestArchive_SnapshotReaderSurvivesRotation(t *testing.T) {
	ctx := context.Background()
	payload := randomPayload(t, 6*1024)
	fs, a := setupTestArchive(t, payload,
		SlotSpec{Label: "a", Credential: testRecovery(1)},
		SlotSpec{Label: "b", Credential: testRecovery(2)},
	)

	snap := a.Manifest()
	sess, err := a.Unlock(ctx, testRecovery(2))
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Lock()

	next, err := a.Rotate(ctx, testRecovery(1), KeyRotationOptions{
		NewSlots: []SlotSpec{{Label: "c", Credential: testRecovery(3)}},
	})
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	t.Run("new manifest refused by old session", func(t *testing.T) {
		sink, _ := NewMemorySink()
		defer sink.Discard()
		err := sess.Stream(ctx, next, a.Chunks(next), sink)
		if !errors.Is(err, ErrSessionStale) {
			t.Fatalf("got %v, want ErrSessionStale", err)
		}
		if !sess.Live() {
			t.Fatal("a refused generation must not wipe the session")
		}
	})

	t.Run("slot mutation refused by old session", func(t *testing.T) {
		_, err := a.AddSlot(sess, SlotSpec{Label: "d", Credential: testRecovery(4)}, nil)
		if !errors.Is(err, ErrSessionStale) {
			t.Fatalf("got %v, want ErrSessionStale", err)
		}
	})

	t.Run("stream through the snapshot", func(t *testing.T) {
		sink, _ := NewMemorySink()
		defer sink.Discard()
		if err := sess.Stream(ctx, snap, a.Chunks(snap), sink); err != nil {
			t.Fatalf("Stream failed: %v", err)
		}
		got, _ := sink.Bytes()
		if !bytes.Equal(got, payload) {
			t.Fatal("snapshot reader got wrong plaintext")
		}
	})

	t.Run("archive decrypt uses the session snapshot", func(t *testing.T) {
		old, err := Unlock(ctx, snap, testRecovery(2))
		if err != nil {
			t.Fatal(err)
		}
		defer old.Lock()
		sink, _ := NewMemorySink()
		defer sink.Discard()
		if err := a.Decrypt(ctx, old, sink); err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		got, _ := sink.Bytes()
		if !bytes.Equal(got, payload) {
			t.Fatal("Decrypt got wrong plaintext")
		}
	})

	t.Run("superseded after reopen", func(t *testing.T) {
		reopened, err := OpenArchive(fs, "/site", nil)
		if err != nil {
			t.Fatal(err)
		}
		_, err = reopened.Chunks(snap).ReadChunk(ctx, 0)
		if !IsInvariantViolation(err) || !errors.Is(err, ErrSnapshotSuperseded) {
			t.Fatalf("got %v, want ErrSnapshotSuperseded", err)
		}
		if IsChunkIntegrityError(err) {
			t.Fatal("a superseded snapshot must not look like tampering")
		}
	})
}

func TestArchive_RotateDryRun(t *testing.T) {
	fs, a := setupTestArchive(t, randomPayload(t, 4096), SlotSpec{Label: "a", Credential: testRecovery(1)})
	before := readManifestFile(t, fs)

	if _, err := a.Rotate(context.Background(), testRecovery(1), KeyRotationOptions{DryRun: true}); err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if after := readManifestFile(t, fs); !bytes.Equal(before, after) {
		t.Fatal("dry run rewrote the manifest")
	}
}

// stageRotation replays an archive rotation up to step and stops, as if the
// process had died there. It returns the manifest that was being installed.
func stageRotation(t *testing.T, fs *DirFS, a *Archive, step int) *Envelope {
	t.Helper()
	cur := a.Manifest()
	stage := &dirChunks{fs: fs, dir: a.path(rotateDir)}
	if err := fs.MkdirAll(stage.dir, archiveDirPerm); err != nil {
		t.Fatal(err)
	}
	next, err := Rotate(context.Background(), cur, a.Chunks(cur), stage, testRecovery(1), KeyRotationOptions{
		NewSlots: []SlotSpec{{Label: "new", Credential: testRecovery(2)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if step >= 1 {
		if err := fs.Rename(stage.dir, a.path(next.ChunkDir())); err != nil {
			t.Fatal(err)
		}
		if err := a.writeManifest(next, manifestTmp); err != nil {
			t.Fatal(err)
		}
	}
	if step >= 2 {
		if err := fs.Rename(a.path(manifestTmp), a.path(ManifestName)); err != nil {
			t.Fatal(err)
		}
	}
	return next
}

func TestOpenArchive_RecoversInterruptedRotation(t *testing.T) {
	tests := []struct {
		name    string
		step    int
		wantNew bool
	}{
		{"staged only", 0, false},
		{"manifest not committed", 1, false},
		{"manifest committed", 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := randomPayload(t, 8192)
			fs, a := setupTestArchive(t, payload, SlotSpec{Label: "old", Credential: testRecovery(1)})
			next := stageRotation(t, fs, a, tt.step)

			reopened, err := OpenArchive(fs, "/site", nil)
			if err != nil {
				t.Fatalf("OpenArchive failed: %v", err)
			}

			cred, live, gone := testRecovery(1), PayloadDir, next.ChunkDir()
			if tt.wantNew {
				cred, live, gone = testRecovery(2), next.ChunkDir(), PayloadDir
			}
			if got := readArchive(t, reopened, cred); !bytes.Equal(got, payload) {
				t.Fatal("recovered archive does not round trip")
			}
			if !siteEntryExists(fs, live) {
				t.Errorf("%s missing after recovery", live)
			}
			for _, name := range []string{gone, rotateDir, manifestTmp} {
				if siteEntryExists(fs, name) {
					t.Errorf("%s left behind after recovery", name)
				}
			}
		})
	}
}

func TestArchive_ReadChunkRejectsOversizedFile(t *testing.T) {
	fs, a := setupTestArchive(t, randomPayload(t, 4096), SlotSpec{Label: "a", Credential: testRecovery(1)})
	p := filepath.Join(fs.Root, "site", filepath.FromSlash(ChunkFileName(0)))
	if err := os.WriteFile(p, make([]byte, 1024+TagSize+1), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := a.ReadChunk(context.Background(), 0); !IsCorruptionError(err) {
		t.Fatalf("got %v, want CorruptionError", err)
	}
}
