package trust

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
)

var (
	// ErrUnsigned is returned for a module without a signature file.
	ErrUnsigned = errors.New("module is not signed")
	// ErrUntrustedKey is returned when the signing key is not trusted.
	ErrUntrustedKey = errors.New("module signed by untrusted key")
	// ErrBadSignature is returned when the signature does not match the module.
	ErrBadSignature = errors.New("module signature verification failed")
)

// Verifier checks detached module signatures. It satisfies registry.ModuleVerifier.
type Verifier struct {
	store   KeyStore
	trusted map[string]bool
}

// NewVerifier returns a verifier that accepts signatures by any of
// trustedKeyIDs. With no IDs, every public key in store is trusted.
func NewVerifier(store KeyStore, trustedKeyIDs ...string) *Verifier {
	v := &Verifier{store: store}
	if len(trustedKeyIDs) > 0 {
		v.trusted = make(map[string]bool, len(trustedKeyIDs))
		for _, id := range trustedKeyIDs {
			v.trusted[id] = true
		}
	}
	return v
}

// VerifyModule checks that path has a signature by a trusted key over data.
func (v *Verifier) VerifyModule(path string, data []byte) error {
	sig, err := ReadSignature(SignatureFile(path))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s has no %s file", ErrUnsigned, filepath.Base(path), SignatureExt)
	}
	if err != nil {
		return err
	}

	if v.trusted != nil && !v.trusted[sig.KeyID] {
		return fmt.Errorf("%w: %s", ErrUntrustedKey, sig.KeyID)
	}
	pub, err := v.store.PublicKey(sig.KeyID)
	if errors.Is(err, ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrUntrustedKey, sig.KeyID)
	}
	if err != nil {
		return err
	}

	if !ed25519.Verify(pub, BuildTranscript(filepath.Base(path), data), sig.Value) {
		return fmt.Errorf("%w: key %s", ErrBadSignature, sig.KeyID)
	}
	return nil
}
