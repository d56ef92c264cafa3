// Package crypto provides transaction signing, encrypted key storage and
// HMAC request authentication for the ledger gateway.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	currentVersion   = 1
)

// sealedKey is one encrypted private key.
type sealedKey struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// keyringFile is the on-disk keyring: encrypted keys indexed by key id.
type keyringFile struct {
	Version int                  `json:"version"`
	Keys    map[string]sealedKey `json:"keys"`
}

// KeySource describes where the signing keys come from. Raw keys win over
// the keyring file for the same id.
type KeySource struct {
	// RawKeys maps key id to hex private key (0x prefix optional).
	RawKeys map[string]string

	// KeyringPath is a file produced by SealKeyring.
	KeyringPath string

	// Password decrypts the keyring.
	Password string
}

// SealKeyring encrypts every key in keys with password using PBKDF2-HMAC-SHA256
// and AES-256-GCM. Each key gets its own salt and nonce.
func SealKeyring(keys map[string]string, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	out := keyringFile{Version: currentVersion, Keys: make(map[string]sealedKey, len(keys))}
	for id, keyHex := range keys {
		raw, err := decodeKeyHex(keyHex)
		if err != nil {
			return nil, fmt.Errorf("crypto: key %q: %w", id, err)
		}
		sk, err := seal(raw, password)
		if err != nil {
			return nil, fmt.Errorf("crypto: key %q: %w", id, err)
		}
		out.Keys[id] = sk
	}
	return json.MarshalIndent(out, "", "  ")
}

// OpenKeyring decrypts a keyring produced by SealKeyring, returning hex keys
// (without 0x) indexed by key id.
func OpenKeyring(data []byte, password string) (map[string]string, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	var kr keyringFile
	if err := json.Unmarshal(data, &kr); err != nil {
		return nil, fmt.Errorf("crypto: parsing keyring: %w", err)
	}
	if kr.Version != currentVersion {
		return nil, fmt.Errorf("crypto: unsupported keyring version %d", kr.Version)
	}
	keys := make(map[string]string, len(kr.Keys))
	for id, sk := range kr.Keys {
		plain, err := open(sk, password)
		if err != nil {
			return nil, fmt.Errorf("crypto: key %q: %w", id, err)
		}
		keys[id] = hex.EncodeToString(plain)
	}
	return keys, nil
}

// LoadKeys resolves the signing keys described by src.
func LoadKeys(src KeySource) (map[string]string, error) {
	keys := make(map[string]string)
	if src.KeyringPath != "" {
		data, err := os.ReadFile(src.KeyringPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: reading keyring: %w", err)
		}
		opened, err := OpenKeyring(data, src.Password)
		if err != nil {
			return nil, err
		}
		for id, k := range opened {
			keys[id] = k
		}
	}
	for id, k := range src.RawKeys {
		if _, err := decodeKeyHex(k); err != nil {
			return nil, fmt.Errorf("crypto: raw key %q: %w", id, err)
		}
		keys[id] = strings.TrimPrefix(k, "0x")
	}
	if len(keys) == 0 {
		return nil, errors.New("crypto: no signing keys configured (set raw keys or a keyring path)")
	}
	return keys, nil
}

func decodeKeyHex(keyHex string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("expected 32-byte key, got %d bytes", len(b))
	}
	return b, nil
}

func seal(plain []byte, password string) (sealedKey, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return sealedKey{}, fmt.Errorf("generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return sealedKey{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return sealedKey{}, fmt.Errorf("generating nonce: %w", err)
	}
	return sealedKey{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plain, nil)),
	}, nil
}

func open(sk sealedKey, password string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(sk.Salt)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sk.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(sk.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password?): %w", err)
	}
	return plain, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
