package storage

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"git.mills.io/prologic/bitcask"
	"golang.org/x/crypto/sha3"
)

// SeenRecord is the last activity of one user
type SeenRecord struct {
	Name    string    `json:"name"`
	Bridge  string    `json:"bridge"`
	Channel string    `json:"channel"`
	Action  string    `json:"action"`
	Time    time.Time `json:"time"`
}

// SeenStore keeps one SeenRecord per lowercased username
type SeenStore struct {
	db *bitcask.Bitcask
}

// OpenSeen opens (or creates) the bitcask database at path
func OpenSeen(path string) (*SeenStore, error) {
	db, err := bitcask.Open(path, bitcask.WithMaxValueSize(64*1024))
	if err != nil {
		return nil, fmt.Errorf("open seen store: %w", err)
	}
	return &SeenStore{db: db}, nil
}

// Record stores rec under its name, replacing any older record
func (s *SeenStore) Record(rec SeenRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put(seenKey(rec.Name), data)
}

// Lookup returns the record for name, or false when the user was never seen
func (s *SeenStore) Lookup(name string) (SeenRecord, bool, error) {
	data, err := s.db.Get(seenKey(name))
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return SeenRecord{}, false, nil
		}
		return SeenRecord{}, false, err
	}

	var rec SeenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return SeenRecord{}, false, fmt.Errorf("decode seen record: %w", err)
	}
	return rec, true, nil
}

// Forget removes the record for name
func (s *SeenStore) Forget(name string) error {
	if !s.db.Has(seenKey(name)) {
		return nil
	}
	return s.db.Delete(seenKey(name))
}

// Merge compacts the database files
func (s *SeenStore) Merge() error {
	return s.db.Merge()
}

// Close flushes and closes the database
func (s *SeenStore) Close() error {
	return s.db.Close()
}

func seenKey(name string) []byte {
	hash := sha3.Sum224([]byte(strings.ToLower(name)))
	return []byte(hex.EncodeToString(hash[:]))
}
