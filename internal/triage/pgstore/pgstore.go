// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/triage/pgstore")

//go:embed schema.sql
var schema string

const maxRecent = 500

// Store persists verdict records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store. The
// pool is owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const recordColumns = `id, alert_id, rule_description, rule_level, verdict, created_at`

// Put inserts a record. Records are immutable, a repeated ID is a no-op.
func (s *Store) Put(ctx context.Context, r *triage.Record) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "INSERT")
	defer span.End()

	if r.Verdict == nil {
		err := errors.New("record has no verdict")
		fail(span, err)
		return err
	}

	verdictJSON, err := json.Marshal(r.Verdict)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("marshal verdict: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO triage_verdicts (
			id, alert_id, rule_description, rule_level, severity, category, confidence, model_used, verdict, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.AlertID, r.RuleDescription, r.RuleLevel,
		string(r.Verdict.Severity), string(r.Verdict.Category), r.Verdict.Confidence, r.Verdict.ModelUsed,
		verdictJSON, r.CreatedAt,
	)
	if err != nil {
		fail(span, err)
		return fmt.Errorf("insert verdict: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
//
//nolint:dupl // similar structure to GetByAlertID is intentional
func (s *Store) Get(ctx context.Context, id string) (*triage.Record, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM triage_verdicts WHERE id = $1`, id))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// GetByAlertID retrieves the most recent record for an alert.
//
//nolint:dupl // similar structure to Get is intentional
func (s *Store) GetByAlertID(ctx context.Context, alertID string) (*triage.Record, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetByAlertID", "SELECT")
	defer span.End()

	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM triage_verdicts WHERE alert_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, alertID))
	if err != nil {
		fail(span, err)
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*triage.Record, error) {
	ctx, span := startSpan(ctx, "pgstore.Recent", "SELECT")
	defer span.End()

	if limit <= 0 || limit > maxRecent {
		limit = maxRecent
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM triage_verdicts ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	out := []*triage.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			fail(span, err)
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		fail(span, err)
		return nil, fmt.Errorf("iterate recent: %w", err)
	}
	return out, nil
}

// scanRecord scans one row into a Record. Returns (nil, nil) when no row is
// found.
func scanRecord(row pgx.Row) (*triage.Record, error) {
	var (
		r           triage.Record
		verdictJSON []byte
	)
	err := row.Scan(&r.ID, &r.AlertID, &r.RuleDescription, &r.RuleLevel, &verdictJSON, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	var v triage.Verdict
	if err := json.Unmarshal(verdictJSON, &v); err != nil {
		return nil, fmt.Errorf("unmarshal verdict %s: %w", r.ID, err)
	}
	r.Verdict = &v
	return &r, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("db.collection.name", "triage_verdicts"),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
