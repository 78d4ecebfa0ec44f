// Package ledger remembers processed signal deliveries so redeliveries are not traded twice.
package ledger

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/go-faster/errors"
)

const keyPrefix = "signal/"

type Ledger struct {
	db  *pebble.DB
	ttl time.Duration
	now func() time.Time
	mu  sync.Mutex
}

// Open opens the ledger at path. opts may be nil.
func Open(path string, ttl time.Duration, opts *pebble.Options) (*Ledger, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger")
	}
	return &Ledger{db: db, ttl: ttl, now: time.Now}, nil
}

// CheckAndRecord reports whether digest was recorded within the TTL, and
// records it otherwise.
func (l *Ledger) CheckAndRecord(digest string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := []byte(keyPrefix + digest)
	now := l.now()

	val, closer, err := l.db.Get(key)
	switch {
	case err == nil:
		var seen time.Time
		if len(val) == 8 {
			seen = time.Unix(0, int64(binary.BigEndian.Uint64(val)))
		}
		_ = closer.Close()
		if l.ttl <= 0 || now.Sub(seen) < l.ttl {
			return true, nil
		}
	case errors.Is(err, pebble.ErrNotFound):
	default:
		return false, errors.Wrap(err, "read ledger")
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(now.UnixNano()))
	if err := l.db.Set(key, buf, pebble.Sync); err != nil {
		return false, errors.Wrap(err, "write ledger")
	}
	return false, nil
}

// Forget drops a digest, letting a failed delivery be retried by the provider.
func (l *Ledger) Forget(digest string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Delete([]byte(keyPrefix+digest), pebble.Sync)
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
