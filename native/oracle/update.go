package oracle

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"levlend/crypto"
)

// PriceUpdateDomainV1 defines the domain separator used when signing prices.
const PriceUpdateDomainV1 = "LEV_ORACLE_PRICE_V1"

// PriceUpdate is a signed price observation for a single asset.
type PriceUpdate struct {
	Domain    string
	Asset     common.Address
	Price     *big.Int
	Timestamp time.Time
	Signature []byte
}

// CanonicalMessage renders the message covered by the signature.
func (u *PriceUpdate) CanonicalMessage() (string, error) {
	if u == nil {
		return "", fmt.Errorf("price update not initialised")
	}
	domain := strings.ToUpper(strings.TrimSpace(u.Domain))
	if domain == "" {
		return "", fmt.Errorf("price update: domain required")
	}
	if u.Price == nil || u.Price.Sign() <= 0 {
		return "", ErrInvalidPrice
	}
	if u.Timestamp.IsZero() {
		return "", fmt.Errorf("price update: timestamp required")
	}
	builder := strings.Builder{}
	builder.WriteString(domain)
	builder.WriteString("|asset=")
	builder.WriteString(strings.ToLower(u.Asset.Hex()))
	builder.WriteString("|price=")
	builder.WriteString(u.Price.String())
	builder.WriteString("|ts=")
	builder.WriteString(fmt.Sprintf("%d", u.Timestamp.UTC().Unix()))
	return builder.String(), nil
}

// Hash computes the keccak256 digest of the canonical message.
func (u *PriceUpdate) Hash() ([]byte, error) {
	message, err := u.CanonicalMessage()
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256([]byte(message)), nil
}

// Signer recovers the address that signed the update.
func (u *PriceUpdate) Signer() (common.Address, error) {
	if u == nil {
		return common.Address{}, fmt.Errorf("price update not initialised")
	}
	if u.Domain != PriceUpdateDomainV1 {
		return common.Address{}, fmt.Errorf("price update: unsupported domain %q", u.Domain)
	}
	digest, err := u.Hash()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.RecoverSigner(digest, u.Signature)
}

// Feeder signs price updates with a local key.
type Feeder struct {
	key *crypto.PrivateKey
}

func NewFeeder(key *crypto.PrivateKey) *Feeder {
	return &Feeder{key: key}
}

// LoadFeeder decrypts the feeder key from an Ethereum v3 key file.
func LoadFeeder(keyFile, passphrase string) (*Feeder, error) {
	key, err := crypto.ReadKeyFile(keyFile, passphrase)
	if err != nil {
		return nil, fmt.Errorf("oracle: load feeder key: %w", err)
	}
	return NewFeeder(key), nil
}

// Address returns the signer address to authorise on the oracle.
func (f *Feeder) Address() common.Address {
	return f.key.PubKey().Address()
}

// Sign produces a signed update for asset at price observed at ts.
func (f *Feeder) Sign(asset common.Address, price *big.Int, ts time.Time) (*PriceUpdate, error) {
	if f == nil || f.key == nil {
		return nil, fmt.Errorf("oracle: feeder key not configured")
	}
	update := &PriceUpdate{
		Domain:    PriceUpdateDomainV1,
		Asset:     asset,
		Price:     new(big.Int).Set(price),
		Timestamp: ts.UTC(),
	}
	digest, err := update.Hash()
	if err != nil {
		return nil, err
	}
	sig, err := f.key.Sign(digest)
	if err != nil {
		return nil, err
	}
	update.Signature = sig
	return update, nil
}
