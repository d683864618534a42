// Package pagevault produces and unlocks encrypted static archives that can
// be published on hosting the owner does not trust.
//
// # Overview
//
// An archive is a plaintext manifest plus a directory of encrypted chunks.
// The payload is compressed once, cut into fixed-size chunks and every chunk
// is sealed with AES-256-GCM under a random data key (DEK). The DEK itself
// is never stored; instead each credential gets a key slot holding its own
// wrapped copy of the DEK. Adding or removing a credential rewrites only the
// manifest.
//
// Two kinds of credential are supported:
//   - Password: a human secret stretched with Argon2id (at least 64 MiB,
//     3 passes, 4 lanes)
//   - RecoverySecret: 128 bits or more of random material, expanded with
//     HKDF-SHA256
//
// # Basic Usage
//
//	opts := pagevault.DefaultEncryptOptions()
//	opts.Slots = []pagevault.SlotSpec{
//	    {Label: "owner", Credential: pagevault.Password([]byte("correct horse"))},
//	}
//
//	archive, err := pagevault.CreateArchive(ctx, pagevault.NewDirFS("site"), "/", payload, opts)
//	if err != nil {
//	    return err
//	}
//
//	sess, err := archive.Unlock(ctx, pagevault.Password([]byte("correct horse")))
//	if err != nil {
//	    return err // *AuthenticationError for a wrong password
//	}
//	defer sess.Lock()
//
//	sink, _ := pagevault.NewMemorySink()
//	if err := archive.Decrypt(ctx, sess, sink); err != nil {
//	    return err
//	}
//
// # Archive Layout
//
//	manifest.json              version, export_id, kdf, compression,
//	                           chunk_size, chunk_count, base_nonce, slots
//	payload/chunk-00000.bin    ciphertext ‖ 16 byte tag
//
// Chunk i is sealed under nonce base_nonce[0:8] ‖ be32(i) with additional
// data export_id ‖ be32(i) ‖ schema_version. A slot's wrapped_dek is sealed
// with additional data export_id ‖ be32(slot_id). Moving a chunk to another
// index or another archive therefore fails authentication.
//
// # Security Considerations
//
// Protected Against:
//   - Reading the payload without a credential
//   - Tampering with, reordering or truncating chunks
//   - Splicing chunks or slots between archives
//   - Key/nonce reuse across exports that share a password
//
// Not Protected Against:
//   - Memory dumps while a session is unlocked
//   - Weak passwords (Argon2id only raises the cost of guessing)
//   - Metadata leakage (payload size, slot count and labels)
package pagevault
