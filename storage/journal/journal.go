// Package journal records open positions so a restart or a failed close can be
// reconciled by hand.
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/MarketRaker/trading-bot-example-code/models"
)

var positionsBucket = []byte("positions")

type Status string

const (
	StatusMonitoring Status = "monitoring"
	StatusUnresolved Status = "unresolved"
)

type Record struct {
	Position  models.OpenPosition `json:"position"`
	Status    Status              `json:"status"`
	Reason    string              `json:"reason,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type Journal struct {
	db *bolt.DB
}

func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create journal dir")
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(positionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create bucket")
	}
	return &Journal{db: db}, nil
}

func (j *Journal) put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(positionsBucket).Put([]byte(rec.Position.ID), data)
	})
}

// Opened records a position that is being monitored.
func (j *Journal) Opened(pos models.OpenPosition) error {
	if pos.ID == "" {
		return errors.New("position id is empty")
	}
	return j.put(Record{Position: pos, Status: StatusMonitoring, UpdatedAt: time.Now()})
}

// Resolved removes a position that was flattened.
func (j *Journal) Resolved(id string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(positionsBucket).Delete([]byte(id))
	})
}

// Unresolved marks a position whose monitoring ended without a confirmed close.
func (j *Journal) Unresolved(id, reason string) error {
	rec, ok, err := j.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("position %s not found", id)
	}
	rec.Status = StatusUnresolved
	rec.Reason = reason
	rec.UpdatedAt = time.Now()
	return j.put(rec)
}

func (j *Journal) Get(id string) (Record, bool, error) {
	var (
		rec   Record
		found bool
	)
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(positionsBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, false, errors.Wrap(err, "read record")
	}
	return rec, found, nil
}

// List returns all recorded positions ordered by id.
func (j *Journal) List() ([]Record, error) {
	var out []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(positionsBucket).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "decode %s", k)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// MarkStale flags every position still marked as monitoring. It is called at
// startup, when no monitor can be running yet.
func (j *Journal) MarkStale(reason string) ([]Record, error) {
	recs, err := j.List()
	if err != nil {
		return nil, err
	}
	var stale []Record
	for _, rec := range recs {
		if rec.Status != StatusMonitoring {
			continue
		}
		if err := j.Unresolved(rec.Position.ID, reason); err != nil {
			return nil, err
		}
		rec.Status = StatusUnresolved
		rec.Reason = reason
		stale = append(stale, rec)
	}
	return stale, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
