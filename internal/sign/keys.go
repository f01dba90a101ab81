// Package sign decides and applies the strong-name identity of instrumented
// binaries and their references.
package sign

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"os"

	"gopkg.in/yaml.v3"
)

// TokenLength is the size of a public-key token in bytes.
const TokenLength = 8

// KeyPair is a strong-name signing key. Only the public half matters to the
// rewriter; Private is carried opaquely for tooling that re-signs output.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// Token derives the 8-byte public-key token from the public key.
func (k KeyPair) Token() []byte {
	sum := sha256.Sum256(k.Public)

	return sum[:TokenLength]
}

// Fingerprint folds a full public key into a 64-bit lookup key. It is a
// pure, order-preserving function of the byte input.
func Fingerprint(publicKey []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(publicKey)

	return h.Sum64()
}

// TokenKey interprets an 8-byte public-key token as a big-endian 64-bit
// value. Shorter tokens are zero-padded on the left.
func TokenKey(token []byte) uint64 {
	var buf [TokenLength]byte
	copy(buf[TokenLength-min(len(token), TokenLength):], token)

	return binary.BigEndian.Uint64(buf[:])
}

// KeyStore indexes key pairs by both derived lookup keys. A key pair is
// registered at most once per fingerprint.
type KeyStore struct {
	byFingerprint map[uint64]KeyPair
	byToken       map[uint64]KeyPair
}

// NewKeyStore constructs an empty store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		byFingerprint: make(map[uint64]KeyPair),
		byToken:       make(map[uint64]KeyPair),
	}
}

// Add registers the pair under both lookup keys.
func (s *KeyStore) Add(pair KeyPair) error {
	fp := Fingerprint(pair.Public)
	if _, ok := s.byFingerprint[fp]; ok {
		return fmt.Errorf("key with fingerprint %016x already registered", fp)
	}

	s.byFingerprint[fp] = pair
	s.byToken[TokenKey(pair.Token())] = pair

	return nil
}

// ByKey looks a pair up by full public key.
func (s *KeyStore) ByKey(publicKey []byte) (KeyPair, bool) {
	pair, ok := s.byFingerprint[Fingerprint(publicKey)]

	return pair, ok
}

// ByToken looks a pair up by 8-byte token.
func (s *KeyStore) ByToken(token []byte) (KeyPair, bool) {
	pair, ok := s.byToken[TokenKey(token)]

	return pair, ok
}

// Len returns the number of registered pairs.
func (s *KeyStore) Len() int {
	return len(s.byFingerprint)
}

// keysFile is the on-disk shape of a keys.yaml keystore.
type keysFile struct {
	Keys []struct {
		Name    string `yaml:"name"`
		Public  string `yaml:"public"`
		Private string `yaml:"private"`
	} `yaml:"keys"`
}

func parseKeysFile(path string) ([]KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}

	var file keysFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse keystore %s: %w", path, err)
	}

	pairs := make([]KeyPair, 0, len(file.Keys))

	for _, entry := range file.Keys {
		public, err := hex.DecodeString(entry.Public)
		if err != nil {
			return nil, fmt.Errorf("keystore entry %q: bad public key: %w", entry.Name, err)
		}

		private, err := hex.DecodeString(entry.Private)
		if err != nil {
			return nil, fmt.Errorf("keystore entry %q: bad private key: %w", entry.Name, err)
		}

		pairs = append(pairs, KeyPair{Public: public, Private: private})
	}

	return pairs, nil
}

// LoadKeyStore reads a yaml keystore listing hex-encoded key pairs.
func LoadKeyStore(path string) (*KeyStore, error) {
	pairs, err := parseKeysFile(path)
	if err != nil {
		return nil, err
	}

	store := NewKeyStore()

	for _, pair := range pairs {
		if err := store.Add(pair); err != nil {
			return nil, fmt.Errorf("keystore %s: %w", path, err)
		}
	}

	return store, nil
}

// LoadReplacementKey reads the keystore and returns its first entry, the
// key used to re-sign instrumented output.
func LoadReplacementKey(path string) (*KeyPair, error) {
	pairs, err := parseKeysFile(path)
	if err != nil {
		return nil, err
	}

	if len(pairs) == 0 {
		return nil, fmt.Errorf("keystore %s holds no keys", path)
	}

	return &pairs[0], nil
}
