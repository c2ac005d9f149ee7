package ban

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Shugur-Network/peergate/internal/domain"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const banKeyPrefix = "ban:"

// Snapshot is a local LevelDB copy of the last-known ban set. It lets a
// restarted process enforce bans while the peer store is unreachable.
type Snapshot struct {
	db *leveldb.DB
}

// OpenSnapshot opens (or creates) the snapshot at dir, recovering a
// corrupted manifest if needed.
func OpenSnapshot(dir string) (*Snapshot, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("ban snapshot path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve ban snapshot path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(abs, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open ban snapshot: %w", err)
	}
	return &Snapshot{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (s *Snapshot) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put records one ban.
func (s *Snapshot) Put(id string, rec domain.BanRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(banKeyPrefix+id), val, &opt.WriteOptions{Sync: true})
}

// Delete removes one ban. Missing keys are not an error.
func (s *Snapshot) Delete(id string) error {
	return s.db.Delete([]byte(banKeyPrefix+id), &opt.WriteOptions{Sync: true})
}

// Replace swaps the whole stored set for bans in a single batch.
func (s *Snapshot) Replace(bans map[string]domain.BanRecord) error {
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(banKeyPrefix)), nil)
	for iter.Next() {
		id := strings.TrimPrefix(string(iter.Key()), banKeyPrefix)
		if _, keep := bans[id]; !keep {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan ban snapshot: %w", err)
	}

	for id, rec := range bans {
		val, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		batch.Put([]byte(banKeyPrefix+id), val)
	}
	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}

// Load returns the stored set. Undecodable entries are skipped and reported
// in the returned error alongside the entries that did decode.
func (s *Snapshot) Load() (map[string]domain.BanRecord, error) {
	out := make(map[string]domain.BanRecord)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(banKeyPrefix)), nil)
	defer iter.Release()

	var decodeErr error
	for iter.Next() {
		var rec domain.BanRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			decodeErr = errors.Join(decodeErr, err)
			continue
		}
		out[strings.TrimPrefix(string(iter.Key()), banKeyPrefix)] = rec
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan ban snapshot: %w", err)
	}
	return out, decodeErr
}
