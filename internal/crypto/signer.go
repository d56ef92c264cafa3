package crypto

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

// txDomainTag prefixes every transaction digest so a signature over a
// transaction can never be replayed as a signature over some other message.
var txDomainTag = []byte("sdexbot/tx/v1")

// Signer signs ledger transactions with secp256k1 keys addressed by key id.
// It implements domain.TxSigner.
type Signer struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

// NewSigner creates a Signer from hex-encoded private keys indexed by key id.
func NewSigner(keys map[string]string) (*Signer, error) {
	s := &Signer{keys: make(map[string]*ecdsa.PrivateKey, len(keys))}
	for id, keyHex := range keys {
		if err := s.AddKey(id, keyHex); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddKey registers or replaces the key for id.
func (s *Signer) AddKey(id, privateKeyHex string) error {
	if id == "" {
		return fmt.Errorf("crypto/signer: empty key id")
	}
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return fmt.Errorf("crypto/signer: invalid private key for %q: %w", id, err)
	}
	s.mu.Lock()
	s.keys[id] = pk
	s.mu.Unlock()
	return nil
}

// KeyIDs returns the registered key ids, sorted.
func (s *Signer) KeyIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Address returns the public address for id.
func (s *Signer) Address(id string) (common.Address, error) {
	pk, err := s.key(id)
	if err != nil {
		return common.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(pk.PublicKey), nil
}

// Sign hashes tx and signs the digest with the key registered under keyID.
// Failures wrap domain.ErrSigningFailed.
func (s *Signer) Sign(ctx context.Context, tx domain.Transaction, keyID string) (domain.SignedTransaction, error) {
	const op = "crypto/signer: sign"
	if err := ctx.Err(); err != nil {
		return domain.SignedTransaction{}, err
	}
	pk, err := s.key(keyID)
	if err != nil {
		return domain.SignedTransaction{}, fmt.Errorf("%s: %w: %v", op, domain.ErrSigningFailed, err)
	}
	digest, err := TxDigest(tx)
	if err != nil {
		return domain.SignedTransaction{}, fmt.Errorf("%s: %w: %v", op, domain.ErrSigningFailed, err)
	}
	sig, err := ethcrypto.Sign(digest, pk)
	if err != nil {
		return domain.SignedTransaction{}, fmt.Errorf("%s: %w: %v", op, domain.ErrSigningFailed, err)
	}
	return domain.SignedTransaction{
		Tx:        tx,
		KeyID:     keyID,
		Hash:      hex.EncodeToString(digest),
		Signature: hex.EncodeToString(sig),
	}, nil
}

// Verify reports whether st carries a valid signature by the key's address.
func (s *Signer) Verify(st domain.SignedTransaction) bool {
	addr, err := s.Address(st.KeyID)
	if err != nil {
		return false
	}
	return VerifySignature(st, addr)
}

// TxDigest returns keccak256(tag || json(tx)).
func TxDigest(tx domain.Transaction) ([]byte, error) {
	raw, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return ethcrypto.Keccak256(txDomainTag, raw), nil
}

// VerifySignature recovers the signer of st and compares it with want.
func VerifySignature(st domain.SignedTransaction, want common.Address) bool {
	digest, err := TxDigest(st.Tx)
	if err != nil || hex.EncodeToString(digest) != st.Hash {
		return false
	}
	sig, err := hex.DecodeString(st.Signature)
	if err != nil || len(sig) != 65 {
		return false
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == want
}

func (s *Signer) key(id string) (*ecdsa.PrivateKey, error) {
	s.mu.RLock()
	pk, ok := s.keys[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", id)
	}
	return pk, nil
}
