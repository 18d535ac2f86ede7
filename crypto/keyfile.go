package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	// ErrKeyFileMismatch reports a key file whose declared address is not the
	// address of the key it decrypts to.
	ErrKeyFileMismatch = errors.New("crypto: key file address mismatch")
	// ErrWrongPassphrase is returned, wrapped, when a passphrase does not
	// decrypt the key.
	ErrWrongPassphrase = keystore.ErrDecrypt
)

// WriteKeyFile encrypts key with passphrase into an Ethereum v3 key file at
// path. The file is written next to its destination and renamed into place,
// so an existing key is replaced whole or not at all.
func WriteKeyFile(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty key file path")
	}
	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    key.PubKey().Address(),
		PrivateKey: key.PrivateKey,
	}, passphrase, keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keyfile-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(encrypted); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// KeyFileAddress returns the address a key file declares without decrypting
// it.
func KeyFileAddress(path string) (common.Address, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return common.Address{}, err
	}
	return declaredAddress(path, raw)
}

func declaredAddress(path string, raw []byte) (common.Address, error) {
	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return common.Address{}, fmt.Errorf("crypto: key file %s: %w", path, err)
	}
	if !common.IsHexAddress(header.Address) {
		return common.Address{}, fmt.Errorf("crypto: key file %s: invalid address %q", path, header.Address)
	}
	return common.HexToAddress(header.Address), nil
}

// ReadKeyFile decrypts the key at path and checks it against the address the
// file declares.
func ReadKeyFile(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty key file path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	declared, err := declaredAddress(path, raw)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: key file %s: %w", path, err)
	}
	key := &PrivateKey{PrivateKey: decrypted.PrivateKey}
	if got := key.PubKey().Address(); got != declared {
		return nil, fmt.Errorf("%w: %s declares %s, key is %s", ErrKeyFileMismatch, path, declared.Hex(), got.Hex())
	}
	return key, nil
}
