package triage

import "context"

// Store is the persistence interface for verdict history.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, bool, error)
	// GetByAlertID returns the most recent record for an alert.
	GetByAlertID(ctx context.Context, alertID string) (*Record, bool, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*Record, error)
}
