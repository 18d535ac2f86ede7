package storage

import (
	"errors"

	"github.com/ethereum/go-ethereum/rlp"
)

// KVStore exposes a Database through the RLP-encoded KVGet/KVPut/KVDelete
// accessors shared by the protocol registries.
type KVStore struct {
	db     Database
	prefix []byte
}

// NewKVStore wraps db. Every key is namespaced under prefix.
func NewKVStore(db Database, prefix string) *KVStore {
	return &KVStore{db: db, prefix: []byte(prefix)}
}

func (s *KVStore) key(key []byte) []byte {
	out := make([]byte, 0, len(s.prefix)+len(key))
	out = append(out, s.prefix...)
	return append(out, key...)
}

// KVGet decodes the stored value into out. ok is false when nothing is stored.
func (s *KVStore) KVGet(key []byte, out interface{}) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("storage: kv store not initialised")
	}
	encoded, err := s.db.Get(s.key(key))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVPut RLP-encodes value under key.
func (s *KVStore) KVPut(key []byte, value interface{}) error {
	if s == nil || s.db == nil {
		return errors.New("storage: kv store not initialised")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return s.db.Put(s.key(key), encoded)
}

// KVDelete removes key. Deleting an absent key is not an error.
func (s *KVStore) KVDelete(key []byte) error {
	if s == nil || s.db == nil {
		return errors.New("storage: kv store not initialised")
	}
	return s.db.Delete(s.key(key))
}
