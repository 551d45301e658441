package trust

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
)

// SignatureContext domain-separates module signatures from anything else the
// same key might sign.
const SignatureContext = "testplatform-module-signature-v1"

// SignatureExt is appended to a module's path to locate its detached signature.
const SignatureExt = ".sig"

// Signature is a detached module signature as stored next to the module.
type Signature struct {
	KeyID string `json:"key_id"`
	// Value is the Ed25519 signature over the module transcript.
	Value []byte `json:"signature"`
}

// BuildTranscript returns the bytes a module signature covers:
//  1. context string (length-prefixed)
//  2. module file name (length-prefixed)
//  3. SHA-256 of the module bytes (32 bytes, fixed-length)
//
// Lengths are uint32 big-endian. Binding the name stops a signed module from
// being accepted under a different file name.
func BuildTranscript(moduleName string, data []byte) []byte {
	digest := sha256.Sum256(data)
	transcript := make([]byte, 0, 4+len(SignatureContext)+4+len(moduleName)+len(digest))
	transcript = appendLengthPrefixed(transcript, []byte(SignatureContext))
	transcript = appendLengthPrefixed(transcript, []byte(moduleName))
	return append(transcript, digest[:]...)
}

func appendLengthPrefixed(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
	return append(buf, field...)
}

// Sign signs module data under moduleName with the private key keyID.
func Sign(store KeyStore, keyID, moduleName string, data []byte) (*Signature, error) {
	if store == nil {
		return nil, errors.New("key store cannot be nil")
	}
	if moduleName == "" {
		return nil, errors.New("module name cannot be empty")
	}
	priv, err := store.PrivateKey(keyID)
	if err != nil {
		return nil, err
	}
	defer zeroize(priv)

	return &Signature{
		KeyID: keyID,
		Value: ed25519.Sign(priv, BuildTranscript(moduleName, data)),
	}, nil
}

// SignatureFile returns the path of the detached signature for modulePath.
func SignatureFile(modulePath string) string {
	return modulePath + SignatureExt
}

// WriteSignature stores sig as JSON at path.
func WriteSignature(path string, sig *Signature) error {
	data, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode signature: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}
	return nil
}

// ReadSignature loads a signature written by WriteSignature.
func ReadSignature(path string) (*Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sig Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("invalid signature file %s: %w", path, err)
	}
	if sig.KeyID == "" || len(sig.Value) != ed25519.SignatureSize {
		return nil, fmt.Errorf("invalid signature file %s: missing key ID or malformed signature", path)
	}
	return &sig, nil
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
