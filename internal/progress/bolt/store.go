// Package bolt stores progress in an embedded bbolt database. Each write is
// one bbolt transaction, committed and fsynced before the call returns, so
// recording an outcome costs O(1) regardless of how many keys exist.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress"
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const backendName = "bolt"

var (
	bucketRecords  = []byte("records")
	bucketIntents  = []byte("intents")
	bucketSubjects = []byte("subjects")
	bucketMeta     = []byte("meta")

	metaLastWrite = []byte("last_write")
)

// OpenTimeout bounds how long Open waits for the file lock held by another
// process.
const OpenTimeout = 3 * time.Second

type Store struct {
	db     *bolt.DB
	enc    cbor.EncMode
	logger *slog.Logger
}

var _ progress.Store = (*Store)(nil)

func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create progress dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt progress db %s: %w", path, err)
	}
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{
		db:     db,
		enc:    enc,
		logger: logger.With("component", "progress", "backend", backendName),
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketIntents, bucketSubjects, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt db create buckets failed, %w", err)
	}
	s.logger.Info("progress db opened", "path", path)
	return s, nil
}

// OpenReadOnly opens an existing database with a shared lock. It waits for
// a writer holding the file for at most OpenTimeout; writes on the returned
// store fail.
func OpenReadOnly(path string, logger *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: OpenTimeout, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open bolt progress db %s read-only: %w", path, err)
	}
	if err := db.View(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketIntents, bucketSubjects, bucketMeta} {
			if tx.Bucket(name) == nil {
				return fmt.Errorf("bucket %s missing", name)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("progress db %s not initialized: %w", path, err)
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "progress", "backend", backendName, "mode", "read-only"),
	}, nil
}

func (s *Store) Get(_ context.Context, key model.ReconciliationKey) (*model.ProgressRecord, error) {
	var rec *model.ProgressRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, key)
		return err
	})
	if err != nil {
		return nil, s.wrap("read", err)
	}
	return rec, nil
}

func (s *Store) IsResolved(ctx context.Context, key model.ReconciliationKey, noBalanceSince time.Time) (bool, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return progress.Resolved(rec, noBalanceSince), nil
}

func (s *Store) RecordOutcome(_ context.Context, key model.ReconciliationKey, state model.ProgressState, meta model.OutcomeMeta) (applied bool, err error) {
	started := time.Now()
	err = s.db.Update(func(tx *bolt.Tx) error {
		existing, err := getRecord(tx, key)
		if err != nil {
			return err
		}
		next, ok, err := progress.Merge(existing, key, state, meta)
		if err != nil || !ok {
			return err
		}
		data, err := s.enc.Marshal(next)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRecords).Put([]byte(key.String()), data); err != nil {
			return err
		}
		applied = true
		return s.touch(tx, started)
	})
	if applied || err != nil {
		progress.ObserveWrite(backendName, "record_outcome", started, err)
	}
	if err != nil {
		return false, s.wrap("write", err)
	}
	return applied, nil
}

func (s *Store) RecordIntent(_ context.Context, intent model.PendingIntent) error {
	started := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := s.enc.Marshal(intent)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketIntents).Put([]byte(intent.Key.String()), data); err != nil {
			return err
		}
		return s.touch(tx, started)
	})
	progress.ObserveWrite(backendName, "record_intent", started, err)
	if err != nil {
		return s.wrap("write", err)
	}
	return nil
}

func (s *Store) PendingIntent(_ context.Context, key model.ReconciliationKey) (*model.PendingIntent, error) {
	var intent *model.PendingIntent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIntents).Get([]byte(key.String()))
		if data == nil {
			return nil
		}
		var v model.PendingIntent
		if err := cbor.Unmarshal(data, &v); err != nil {
			return err
		}
		v.Key = key
		v.SubmittedAt = v.SubmittedAt.UTC()
		intent = &v
		return nil
	})
	if err != nil {
		return nil, s.wrap("read", err)
	}
	return intent, nil
}

func (s *Store) ClearIntent(_ context.Context, key model.ReconciliationKey) error {
	started := time.Now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIntents).Delete([]byte(key.String()))
	})
	progress.ObserveWrite(backendName, "clear_intent", started, err)
	if err != nil {
		return s.wrap("delete", err)
	}
	return nil
}

// ObserveSubjects keeps one nested bucket per chain with the subject
// addresses as keys.
func (s *Store) ObserveSubjects(_ context.Context, chain model.Chain, subjects []model.Subject) (int, error) {
	started := time.Now()
	added := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketSubjects).CreateBucketIfNotExists([]byte(chain))
		if err != nil {
			return err
		}
		for _, subject := range subjects {
			k := []byte(subject)
			if b.Get(k) != nil {
				continue
			}
			if err := b.Put(k, []byte{1}); err != nil {
				return err
			}
			added++
		}
		if added == 0 {
			return nil
		}
		return s.touch(tx, started)
	})
	if err != nil {
		progress.ObserveWrite(backendName, "observe_subjects", started, err)
		return 0, s.wrap("write", err)
	}
	if added > 0 {
		progress.ObserveWrite(backendName, "observe_subjects", started, nil)
	}
	return added, nil
}

func (s *Store) Subjects(_ context.Context, chain model.Chain) ([]model.Subject, error) {
	var out []model.Subject
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubjects).Bucket([]byte(chain))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			out = append(out, model.Subject(k))
			return nil
		})
	})
	if err != nil {
		return nil, s.wrap("read", err)
	}
	return out, nil
}

func (s *Store) Summary(_ context.Context) (progress.Summary, error) {
	summary := progress.Summary{Subjects: make(map[model.Chain]int)}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var rec model.ProgressRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			switch rec.State {
			case model.ProgressCompleted:
				summary.Completed++
			case model.ProgressInsolvent:
				summary.Insolvent++
			case model.ProgressNoBalance:
				summary.NoBalance++
			}
			return nil
		}); err != nil {
			return err
		}
		summary.PendingIntents = tx.Bucket(bucketIntents).Stats().KeyN

		if err := tx.Bucket(bucketSubjects).ForEachBucket(func(chain []byte) error {
			summary.Subjects[model.Chain(chain)] = tx.Bucket(bucketSubjects).Bucket(chain).Stats().KeyN
			return nil
		}); err != nil {
			return err
		}

		if raw := tx.Bucket(bucketMeta).Get(metaLastWrite); raw != nil {
			var t time.Time
			if err := t.UnmarshalBinary(raw); err != nil {
				return err
			}
			t = t.UTC()
			summary.LastWrite = &t
		}
		return nil
	})
	if err != nil {
		return progress.Summary{}, s.wrap("read", err)
	}
	return summary, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) touch(tx *bolt.Tx, at time.Time) error {
	raw, err := at.UTC().MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMeta).Put(metaLastWrite, raw)
}

func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return progress.ErrClosed
	}
	return fmt.Errorf("bolt db %s failed, %w", op, err)
}

func getRecord(tx *bolt.Tx, key model.ReconciliationKey) (*model.ProgressRecord, error) {
	data := tx.Bucket(bucketRecords).Get([]byte(key.String()))
	if data == nil {
		return nil, nil
	}
	var rec model.ProgressRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	rec.Key = key
	rec.RecordedAt = rec.RecordedAt.UTC()
	return &rec, nil
}
