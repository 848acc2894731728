// Package jsonfile keeps progress in a single JSON document on local disk.
//
// The document keeps the flat key lists (processed, noBalance, insolvent)
// that older tooling reads, next to the detailed records. Every write
// rewrites the whole document through a temp file, fsync and rename, so a
// crash leaves either the previous or the new document and never a torn one.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/domain/model"
	"github.com/DeltaPrimeLabs/deltaprime-contracts-v2/internal/progress"
)

const backendName = "json"

type document struct {
	Processed []string                        `json:"processed"`
	NoBalance []string                        `json:"noBalance"`
	Insolvent []string                        `json:"insolvent"`
	LastRun   *time.Time                      `json:"lastRun"`
	Records   map[string]model.ProgressRecord `json:"records,omitempty"`
	Pending   map[string]model.PendingIntent  `json:"pending,omitempty"`
	Subjects  map[model.Chain][]model.Subject `json:"subjects,omitempty"`
}

type Store struct {
	mu       sync.Mutex
	path     string
	logger   *slog.Logger
	closed   bool
	records  map[model.ReconciliationKey]*model.ProgressRecord
	pending  map[model.ReconciliationKey]model.PendingIntent
	subjects map[model.Chain]map[model.Subject]struct{}
	lastRun  *time.Time
}

var _ progress.Store = (*Store)(nil)

// Open loads path, or starts empty when it does not exist.
func Open(path string, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:     path,
		logger:   logger.With("component", "progress", "backend", backendName),
		records:  make(map[model.ReconciliationKey]*model.ProgressRecord),
		pending:  make(map[model.ReconciliationKey]model.PendingIntent),
		subjects: make(map[model.Chain]map[model.Subject]struct{}),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no progress file, starting empty", "path", path)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress file %s: %w", path, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode progress file %s: %w", path, err)
	}
	if err := s.load(&doc); err != nil {
		return nil, fmt.Errorf("load progress file %s: %w", path, err)
	}
	s.logger.Info("progress loaded",
		"path", path,
		"records", len(s.records),
		"pending", len(s.pending),
	)
	return s, nil
}

func (s *Store) load(doc *document) error {
	for raw, rec := range doc.Records {
		key, err := model.ParseKey(raw)
		if err != nil {
			return err
		}
		if !rec.State.Valid() {
			return fmt.Errorf("record %s: invalid state %q", raw, rec.State)
		}
		r := rec
		r.Key = key
		s.records[key] = &r
	}

	// Keys that only appear in the flat lists come from documents written
	// before detailed records existed. Their recording time is unknown.
	legacy := []struct {
		keys  []string
		state model.ProgressState
	}{
		{doc.Processed, model.ProgressCompleted},
		{doc.Insolvent, model.ProgressInsolvent},
		{doc.NoBalance, model.ProgressNoBalance},
	}
	for _, l := range legacy {
		for _, raw := range l.keys {
			key, err := model.ParseKey(raw)
			if err != nil {
				return err
			}
			if existing, ok := s.records[key]; ok && (existing.State.Terminal() || !l.state.Terminal()) {
				continue
			}
			s.records[key] = &model.ProgressRecord{Key: key, State: l.state}
		}
	}

	for raw, intent := range doc.Pending {
		key, err := model.ParseKey(raw)
		if err != nil {
			return err
		}
		intent.Key = key
		s.pending[key] = intent
	}
	for chain, subjects := range doc.Subjects {
		set := make(map[model.Subject]struct{}, len(subjects))
		for _, subject := range subjects {
			set[subject] = struct{}{}
		}
		s.subjects[chain] = set
	}
	s.lastRun = doc.LastRun
	return nil
}

func (s *Store) Get(_ context.Context, key model.ReconciliationKey) (*model.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, progress.ErrClosed
	}
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (s *Store) IsResolved(ctx context.Context, key model.ReconciliationKey, noBalanceSince time.Time) (bool, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return progress.Resolved(rec, noBalanceSince), nil
}

func (s *Store) RecordOutcome(_ context.Context, key model.ReconciliationKey, state model.ProgressState, meta model.OutcomeMeta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, progress.ErrClosed
	}

	next, applied, err := progress.Merge(s.records[key], key, state, meta)
	if err != nil || !applied {
		return false, err
	}

	prev, had := s.records[key]
	s.records[key] = next
	if err := s.persistLocked("record_outcome"); err != nil {
		if had {
			s.records[key] = prev
		} else {
			delete(s.records, key)
		}
		return false, err
	}
	return true, nil
}

func (s *Store) RecordIntent(_ context.Context, intent model.PendingIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return progress.ErrClosed
	}

	prev, had := s.pending[intent.Key]
	s.pending[intent.Key] = intent
	if err := s.persistLocked("record_intent"); err != nil {
		if had {
			s.pending[intent.Key] = prev
		} else {
			delete(s.pending, intent.Key)
		}
		return err
	}
	return nil
}

func (s *Store) PendingIntent(_ context.Context, key model.ReconciliationKey) (*model.PendingIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, progress.ErrClosed
	}
	intent, ok := s.pending[key]
	if !ok {
		return nil, nil
	}
	return &intent, nil
}

func (s *Store) ClearIntent(_ context.Context, key model.ReconciliationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return progress.ErrClosed
	}

	prev, had := s.pending[key]
	if !had {
		return nil
	}
	delete(s.pending, key)
	if err := s.persistLocked("clear_intent"); err != nil {
		s.pending[key] = prev
		return err
	}
	return nil
}

func (s *Store) ObserveSubjects(_ context.Context, chain model.Chain, subjects []model.Subject) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, progress.ErrClosed
	}

	set, ok := s.subjects[chain]
	if !ok {
		set = make(map[model.Subject]struct{}, len(subjects))
		s.subjects[chain] = set
	}
	var added []model.Subject
	for _, subject := range subjects {
		if _, seen := set[subject]; seen {
			continue
		}
		set[subject] = struct{}{}
		added = append(added, subject)
	}
	if len(added) == 0 {
		return 0, nil
	}
	if err := s.persistLocked("observe_subjects"); err != nil {
		for _, subject := range added {
			delete(set, subject)
		}
		return 0, err
	}
	return len(added), nil
}

func (s *Store) Subjects(_ context.Context, chain model.Chain) ([]model.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, progress.ErrClosed
	}
	return sortedSubjects(s.subjects[chain]), nil
}

func (s *Store) Summary(_ context.Context) (progress.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return progress.Summary{}, progress.ErrClosed
	}

	summary := progress.Summary{
		PendingIntents: len(s.pending),
		Subjects:       make(map[model.Chain]int, len(s.subjects)),
	}
	for _, rec := range s.records {
		switch rec.State {
		case model.ProgressCompleted:
			summary.Completed++
		case model.ProgressInsolvent:
			summary.Insolvent++
		case model.ProgressNoBalance:
			summary.NoBalance++
		}
	}
	for chain, set := range s.subjects {
		summary.Subjects[chain] = len(set)
	}
	if s.lastRun != nil {
		t := *s.lastRun
		summary.LastWrite = &t
	}
	return summary, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) persistLocked(op string) (err error) {
	started := time.Now()
	defer func() { progress.ObserveWrite(backendName, op, started, err) }()

	now := started.UTC()
	doc := s.documentLocked(now)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := writeFileSync(s.path, data); err != nil {
		return fmt.Errorf("write progress file %s: %w", s.path, err)
	}
	s.lastRun = &now
	return nil
}

func (s *Store) documentLocked(now time.Time) document {
	doc := document{
		Processed: []string{},
		NoBalance: []string{},
		Insolvent: []string{},
		LastRun:   &now,
		Records:   make(map[string]model.ProgressRecord, len(s.records)),
		Pending:   make(map[string]model.PendingIntent, len(s.pending)),
		Subjects:  make(map[model.Chain][]model.Subject, len(s.subjects)),
	}
	for key, rec := range s.records {
		raw := key.String()
		doc.Records[raw] = *rec
		switch rec.State {
		case model.ProgressCompleted:
			doc.Processed = append(doc.Processed, raw)
		case model.ProgressInsolvent:
			doc.Insolvent = append(doc.Insolvent, raw)
		case model.ProgressNoBalance:
			doc.NoBalance = append(doc.NoBalance, raw)
		}
	}
	sort.Strings(doc.Processed)
	sort.Strings(doc.NoBalance)
	sort.Strings(doc.Insolvent)
	for key, intent := range s.pending {
		doc.Pending[key.String()] = intent
	}
	for chain, set := range s.subjects {
		doc.Subjects[chain] = sortedSubjects(set)
	}
	return doc
}

func sortedSubjects(set map[model.Subject]struct{}) []model.Subject {
	out := make([]model.Subject, 0, len(set))
	for subject := range set {
		out = append(out, subject)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func writeFileSync(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
