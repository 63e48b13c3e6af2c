package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/binflow/position"
	"github.com/rs/zerolog/log"
)

// Key prefix for Pebble storage: /position/{clientID}
const prefixPosition = "/position/"

// Positions are tiny and rewritten often; keep the memtable small
const (
	memTableSize          = 4 << 20 // 4MB
	l0CompactionThreshold = 2
	l0StopWritesThreshold = 12
)

var errStoreClosed = errors.New("position store is closed")

// PebbleStore keeps positions in a local Pebble database, msgpack encoded
type PebbleStore struct {
	db     *pebble.DB
	path   string
	closed atomic.Bool
}

// NewPebbleStore creates or opens a Pebble-backed position store at path
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:          memTableSize,
		L0CompactionThreshold: l0CompactionThreshold,
		L0StopWritesThreshold: l0StopWritesThreshold,
		DisableWAL:            false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open position store at %s: %w", path, err)
	}

	s := &PebbleStore{db: db, path: path}
	if n, err := s.count(); err == nil && n > 0 {
		log.Info().Str("path", path).Int("clients", n).Msg("Opened position store")
	}
	return s, nil
}

func (s *PebbleStore) Load(_ context.Context, clientID string) (position.Position, bool, error) {
	if s.closed.Load() {
		return position.Position{}, false, errStoreClosed
	}

	val, closer, err := s.db.Get(positionKey(clientID))
	if errors.Is(err, pebble.ErrNotFound) {
		return position.Position{}, false, nil
	}
	if err != nil {
		return position.Position{}, false, fmt.Errorf("failed to read position for %s: %w", clientID, err)
	}
	defer closer.Close()

	pos, err := position.Decode(val)
	if err != nil {
		return position.Position{}, false, fmt.Errorf("corrupted position for %s: %w", clientID, err)
	}
	return pos, true, nil
}

func (s *PebbleStore) Store(_ context.Context, clientID string, pos position.Position) error {
	if s.closed.Load() {
		return errStoreClosed
	}

	val, err := pos.Encode()
	if err != nil {
		return err
	}
	if err := s.db.Set(positionKey(clientID), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to store position for %s: %w", clientID, err)
	}
	return nil
}

// count returns the number of stored client positions
func (s *PebbleStore) count() (int, error) {
	prefix := []byte(prefixPosition)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Close closes the Pebble database
func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func positionKey(clientID string) []byte {
	return []byte(prefixPosition + clientID)
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
