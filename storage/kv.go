package storage

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// KV layers RLP encoded values on top of a Database. It satisfies the storage
// contract used by the settlement state.
type KV struct {
	db     Database
	prefix []byte
}

// NewKV wraps db. Every key is namespaced with prefix.
func NewKV(db Database, prefix string) *KV {
	return &KV{db: db, prefix: []byte(prefix)}
}

func (s *KV) key(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("kv: key must not be empty")
	}
	out := make([]byte, 0, len(s.prefix)+len(key))
	out = append(out, s.prefix...)
	return append(out, key...), nil
}

// KVGet decodes the value stored under key into out. It reports false when the
// key has no value. A nil out only checks for presence.
func (s *KV) KVGet(key []byte, out interface{}) (bool, error) {
	full, err := s.key(key)
	if err != nil {
		return false, err
	}
	data, err := s.db.Get(full)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("kv: decode %q: %w", key, err)
	}
	return true, nil
}

// KVPut encodes value with RLP and stores it under key.
func (s *KV) KVPut(key []byte, value interface{}) error {
	full, err := s.key(key)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("kv: encode %q: %w", key, err)
	}
	return s.db.Put(full, encoded)
}

// KVDelete removes the value stored under key.
func (s *KV) KVDelete(key []byte) error {
	full, err := s.key(key)
	if err != nil {
		return err
	}
	return s.db.Delete(full)
}
