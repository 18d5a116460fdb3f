// Package store persists chat messages in a Pebble LSM tree and answers the
// history queries used during handshake and sync.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/wire"
)

// MaxBatch caps how many messages one history query returns.
const MaxBatch = 200

// ErrNotFound is returned by Get for unknown message ids.
var ErrNotFound = errors.New("store: message not found")

// Key layout:
//
//	m/<id>                    message JSON
//	p/<ts:8>/<id>             public timeline
//	c/<party>/<ts:8>/<id>     private messages, indexed under sender and target
const (
	prefixMsg     = "m/"
	prefixPublic  = "p/"
	prefixConvers = "c/"
)

// PebbleStore is a Pebble-backed message store.
type PebbleStore struct {
	db     *pebble.DB
	path   string
	logger *zap.Logger
}

// Open opens or creates the store at path. Opening is retried briefly
// because a previous process may still hold the directory lock.
func Open(path string, logger *zap.Logger) (*PebbleStore, error) {
	opts := &pebble.Options{
		Logger: &pebbleLogger{logger},
	}
	var db *pebble.DB
	err := retry.Do(func() error {
		var err error
		db, err = pebble.Open(path, opts)
		return err
	},
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", path, err)
	}
	logger.Info("Message store opened", zap.String("path", path))
	return &PebbleStore{db: db, path: path, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores m. It returns false without error if the id is already known.
func (s *PebbleStore) Put(m wire.ChatMessage) (bool, error) {
	key := []byte(prefixMsg + m.ID)
	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return false, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return false, fmt.Errorf("pebble get check: %w", err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return false, fmt.Errorf("marshal: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, data, nil); err != nil {
		return false, err
	}
	if m.IsPublic() {
		if err := batch.Set(indexKey(prefixPublic, m.TS, m.ID), nil, nil); err != nil {
			return false, err
		}
	} else {
		for _, party := range parties(m) {
			if err := batch.Set(indexKey(prefixConvers+party+"/", m.TS, m.ID), nil, nil); err != nil {
				return false, err
			}
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("pebble commit: %w", err)
	}
	return true, nil
}

// Get retrieves a message by id.
func (s *PebbleStore) Get(id string) (wire.ChatMessage, error) {
	data, closer, err := s.db.Get([]byte(prefixMsg + id))
	if errors.Is(err, pebble.ErrNotFound) {
		return wire.ChatMessage{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return wire.ChatMessage{}, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	var m wire.ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return wire.ChatMessage{}, fmt.Errorf("unmarshal: %w", err)
	}
	return m, nil
}

// Recent returns up to n of the newest public messages, oldest first.
func (s *PebbleStore) Recent(n int) ([]wire.ChatMessage, error) {
	return s.tail(prefixPublic, n)
}

// Conversation returns up to n of the newest private messages involving
// peer, oldest first.
func (s *PebbleStore) Conversation(peer string, n int) ([]wire.ChatMessage, error) {
	return s.tail(prefixConvers+peer+"/", n)
}

// PublicAfter returns public messages newer than ts, oldest first, capped
// at MaxBatch.
func (s *PebbleStore) PublicAfter(ts int64) ([]wire.ChatMessage, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: indexKey(prefixPublic, ts+1, ""),
		UpperBound: prefixEnd(prefixPublic),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid() && len(ids) < MaxBatch; iter.Next() {
		ids = append(ids, idFromIndex(prefixPublic, iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return s.load(ids)
}

func (s *PebbleStore) tail(prefix string, n int) ([]wire.ChatMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > MaxBatch {
		n = MaxBatch
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	ids := make([]string, 0, n)
	for iter.Last(); iter.Valid() && len(ids) < n; iter.Prev() {
		ids = append(ids, idFromIndex(prefix, iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return s.load(ids)
}

func (s *PebbleStore) load(ids []string) ([]wire.ChatMessage, error) {
	out := make([]wire.ChatMessage, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(id)
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("Dangling index entry", zap.String("id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func parties(m wire.ChatMessage) []string {
	if m.SenderID == m.Target || m.Target == "" {
		return []string{m.SenderID}
	}
	return []string{m.SenderID, m.Target}
}

// indexKey builds prefix + big-endian ts + "/" + id. Negative timestamps
// sort before zero.
func indexKey(prefix string, ts int64, id string) []byte {
	k := make([]byte, 0, len(prefix)+9+len(id))
	k = append(k, prefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(ts)^(1<<63))
	k = append(k, '/')
	return append(k, id...)
}

// idFromIndex strips prefix, the 8-byte timestamp and its separator.
func idFromIndex(prefix string, key []byte) string {
	n := len(prefix) + 9
	if len(key) < n {
		return ""
	}
	return string(key[n:])
}

func prefixEnd(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Debugf(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
