// Package memstore provides a bounded in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/triage"
)

// DefaultSize is the number of records kept when New is given zero.
const DefaultSize = 10000

// Store holds verdict records in memory, evicting the least recently used
// once full. Suitable for dev/testing and single-instance deployments.
type Store struct {
	mu      sync.Mutex
	records *lru.Cache[string, *triage.Record] // record ID -> record
	byAlert map[string]string                  // alert ID -> latest record ID
}

// New initializes a Store holding at most size records.
func New(size int) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	s := &Store{byAlert: make(map[string]string)}
	cache, err := lru.NewWithEvict[string, *triage.Record](size, s.onEvict)
	if err != nil {
		panic(xerrors.New("memstore.New: " + err.Error()))
	}
	s.records = cache
	return s
}

// onEvict runs under s.mu since evictions only happen inside Put.
func (s *Store) onEvict(id string, r *triage.Record) {
	if s.byAlert[r.AlertID] == id {
		delete(s.byAlert, r.AlertID)
	}
}

// Put stores a copy of the record.
func (s *Store) Put(_ context.Context, r *triage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records.Add(r.ID, clone(r))
	s.byAlert[r.AlertID] = r.ID
	return nil
}

// Get retrieves a record by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*triage.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records.Get(id)
	if !ok {
		return nil, false, nil
	}
	return clone(r), true, nil
}

// GetByAlertID retrieves the latest record for an alert. Returns a copy.
func (s *Store) GetByAlertID(_ context.Context, alertID string) (*triage.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAlert[alertID]
	if !ok {
		return nil, false, nil
	}
	r, ok := s.records.Get(id)
	if !ok {
		return nil, false, nil
	}
	return clone(r), true, nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(_ context.Context, limit int) ([]*triage.Record, error) {
	s.mu.Lock()
	all := s.records.Values()
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	out := make([]*triage.Record, len(all))
	for i, r := range all {
		out[i] = clone(r)
	}
	return out, nil
}

// Len reports the number of records held.
func (s *Store) Len() int {
	return s.records.Len()
}

func clone(r *triage.Record) *triage.Record {
	cp := *r
	if r.Verdict != nil {
		v := *r.Verdict
		cp.Verdict = &v
	}
	return &cp
}
