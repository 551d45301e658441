// Package trust signs plugin modules and verifies them against trusted
// publisher keys before the registry loads them.
package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/99designs/keyring"
)

// DefaultService is the keyring service name keys are stored under.
const DefaultService = "testplatform"

// ErrKeyNotFound is returned when no key with the requested ID exists.
var ErrKeyNotFound = errors.New("key not found")

const (
	privatePrefix = "private:"
	publicPrefix  = "public:"
)

// KeyInfo describes a stored key.
type KeyInfo struct {
	ID          string
	Fingerprint string
	// HasPrivate is set when the store can sign with this key.
	HasPrivate bool
}

// KeyStore holds publisher signing keys and trusted public keys.
type KeyStore interface {
	// SetPrivateKey stores a signing key. Its public half becomes available
	// under the same ID.
	SetPrivateKey(keyID string, key ed25519.PrivateKey) error
	// PrivateKey returns a copy the caller may zeroize.
	PrivateKey(keyID string) (ed25519.PrivateKey, error)
	// SetPublicKey stores a key that can verify but not sign.
	SetPublicKey(keyID string, key ed25519.PublicKey) error
	PublicKey(keyID string) (ed25519.PublicKey, error)
	ListKeys() ([]KeyInfo, error)
}

// RingStore implements KeyStore on top of an OS keyring.
type RingStore struct {
	ring keyring.Keyring
}

var _ KeyStore = (*RingStore)(nil)

// NewKeyringStore opens the OS keyring for service. When backends is empty the
// keyring library picks the platform default (Keychain, Secret Service,
// KWallet, WinCred, ...).
func NewKeyringStore(service string, backends ...keyring.BackendType) (*RingStore, error) {
	if service == "" {
		service = DefaultService
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:     service,
		AllowedBackends: backends,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &RingStore{ring: ring}, nil
}

// NewMemoryStore returns a store that keeps keys in process memory.
func NewMemoryStore() *RingStore {
	return &RingStore{ring: keyring.NewArrayKeyring(nil)}
}

func (s *RingStore) SetPrivateKey(keyID string, key ed25519.PrivateKey) error {
	if err := validID(keyID); err != nil {
		return err
	}
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("invalid private key size: %d", len(key))
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	defer zeroize(der)

	if err := s.ring.Set(keyring.Item{
		Key:   privatePrefix + keyID,
		Data:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}),
		Label: "testplatform signing key " + keyID,
	}); err != nil {
		return fmt.Errorf("failed to store private key: %w", err)
	}
	return s.SetPublicKey(keyID, key.Public().(ed25519.PublicKey))
}

func (s *RingStore) PrivateKey(keyID string) (ed25519.PrivateKey, error) {
	block, err := s.get(privatePrefix + keyID)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %q: %w", keyID, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key %q is not Ed25519", keyID)
	}
	return priv, nil
}

func (s *RingStore) SetPublicKey(keyID string, key ed25519.PublicKey) error {
	if err := validID(keyID); err != nil {
		return err
	}
	if len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key size: %d", len(key))
	}
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	if err := s.ring.Set(keyring.Item{
		Key:   publicPrefix + keyID,
		Data:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}),
		Label: "testplatform publisher key " + keyID,
	}); err != nil {
		return fmt.Errorf("failed to store public key: %w", err)
	}
	return nil
}

func (s *RingStore) PublicKey(keyID string) (ed25519.PublicKey, error) {
	block, err := s.get(publicPrefix + keyID)
	if err != nil {
		return nil, err
	}
	return parsePublicKey(block.Bytes)
}

func (s *RingStore) ListKeys() ([]KeyInfo, error) {
	names, err := s.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	private := make(map[string]bool)
	for _, name := range names {
		if id, ok := strings.CutPrefix(name, privatePrefix); ok {
			private[id] = true
		}
	}

	var infos []KeyInfo
	for _, name := range names {
		id, ok := strings.CutPrefix(name, publicPrefix)
		if !ok {
			continue
		}
		pub, err := s.PublicKey(id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, KeyInfo{ID: id, Fingerprint: Fingerprint(pub), HasPrivate: private[id]})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (s *RingStore) get(name string) (*pem.Block, error) {
	item, err := s.ring.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		_, id, _ := strings.Cut(name, ":")
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from keyring: %w", name, err)
	}
	block, _ := pem.Decode(item.Data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block for %s", name)
	}
	return block, nil
}

// GenerateKey creates a signing key, stores it under keyID and returns its public half.
func GenerateKey(store KeyStore, keyID string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	defer zeroize(priv)
	if err := store.SetPrivateKey(keyID, priv); err != nil {
		return nil, err
	}
	return pub, nil
}

// EncodePublicKey returns the PEM form used by ImportPublicKey.
func EncodePublicKey(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ImportPublicKey stores a PEM encoded publisher key under keyID.
func ImportPublicKey(store KeyStore, keyID string, pemData []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	pub, err := parsePublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	if err := store.SetPublicKey(keyID, pub); err != nil {
		return nil, err
	}
	return pub, nil
}

func parsePublicKey(der []byte) (ed25519.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("public key is not Ed25519")
	}
	return pub, nil
}

// Fingerprint is a short hex digest identifying a public key.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

func validID(keyID string) error {
	if strings.TrimSpace(keyID) == "" {
		return errors.New("key ID cannot be empty")
	}
	return nil
}
