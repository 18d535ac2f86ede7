package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part used when rendering bech32
// addresses.
type AddressPrefix string

const (
	// LevPrefix is used for accounts, engines and vaults.
	LevPrefix AddressPrefix = "lev"
	// AssetPrefix is used when rendering token contracts.
	AssetPrefix AddressPrefix = "levasset"
)

// EncodeAddress renders the address as a bech32 string with the given prefix.
func EncodeAddress(prefix AddressPrefix, addr common.Address) (string, error) {
	conv, err := bech32.ConvertBits(addr.Bytes(), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(string(prefix), conv)
}

// MustEncodeAddress is EncodeAddress for call sites that cannot fail.
func MustEncodeAddress(prefix AddressPrefix, addr common.Address) string {
	encoded, err := EncodeAddress(prefix, addr)
	if err != nil {
		panic(err)
	}
	return encoded
}

// ParseAddress accepts either a 0x-prefixed hex address or a bech32 address
// carrying any of the known prefixes.
func ParseAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("address required")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !common.IsHexAddress(trimmed) {
			return common.Address{}, fmt.Errorf("invalid hex address %q", value)
		}
		return common.HexToAddress(trimmed), nil
	}
	prefix, decoded, err := bech32.Decode(trimmed)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	switch AddressPrefix(prefix) {
	case LevPrefix, AssetPrefix:
	default:
		return common.Address{}, fmt.Errorf("unknown address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return common.Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != common.AddressLength {
		return common.Address{}, fmt.Errorf("address must be %d bytes long", common.AddressLength)
	}
	return common.BytesToAddress(conv), nil
}

// MustParseAddress panics when the value cannot be parsed. Intended for
// fixtures and constants.
func MustParseAddress(value string) common.Address {
	addr, err := ParseAddress(value)
	if err != nil {
		panic(err)
	}
	return addr
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a recoverable secp256k1 signature over the 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, k.PrivateKey)
}

func (k *PublicKey) Address() common.Address {
	return crypto.PubkeyToAddress(*k.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// RecoverSigner returns the address that produced signature over digest.
func RecoverSigner(digest, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	pub, err := crypto.SigToPub(digest, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// DeriveAddress deterministically derives a contract-style address from a
// label. Used for pools, vaults and receipt tokens that have no key.
func DeriveAddress(label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(label))[12:])
}
