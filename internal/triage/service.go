package triage

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
)

var (
	// ErrAnalysisUnavailable means no language model produced a usable verdict.
	ErrAnalysisUnavailable = errors.New("analysis unavailable: all language models failed")

	// ErrInternal means the pipeline failed unexpectedly. Details are logged,
	// never returned.
	ErrInternal = errors.New("internal analysis error")

	// ErrInvalidAlert means the alert was nil.
	ErrInvalidAlert = errors.New("invalid alert")
)

const notifyTimeout = 15 * time.Second

// Analyzer produces a verdict for a single alert. *Engine implements it.
type Analyzer interface {
	Analyze(ctx context.Context, al *alert.Alert) (*Verdict, bool)
}

// Notifier delivers recorded verdicts to an external channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, rec *Record) error
}

// ServiceOptions tunes batch fan-out and notifications.
type ServiceOptions struct {
	// BatchConcurrency caps concurrent analyses in a batch. 0 means unbounded.
	BatchConcurrency int

	// NotifyMinSeverity is the lowest severity sent to notifiers. Empty
	// disables notifications.
	NotifyMinSeverity Severity
}

// Service is the business boundary for triage operations.
type Service struct {
	engine    Analyzer
	store     Store
	logger    log.Logger
	metrics   *Metrics
	opts      ServiceOptions
	notifiers []Notifier

	inflight sync.WaitGroup
}

// NewService creates a triage service. store and metrics may be nil.
func NewService(store Store, engine Analyzer, logger log.Logger, metrics *Metrics, opts ServiceOptions, notifiers ...Notifier) *Service {
	if engine == nil {
		panic(xerrors.New("triage.NewService: engine is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		engine:    engine,
		store:     store,
		logger:    logger,
		metrics:   metrics,
		opts:      opts,
		notifiers: notifiers,
	}
}

// AnalyzeOne analyses a single alert. It returns ErrAnalysisUnavailable when
// no verdict could be produced and ErrInternal when the pipeline panicked.
func (s *Service) AnalyzeOne(ctx context.Context, al *alert.Alert) (*Verdict, error) {
	if al == nil {
		return nil, ErrInvalidAlert
	}

	start := time.Now()
	v, err := s.analyze(ctx, al)
	s.observe(err, time.Since(start))
	return v, err
}

func (s *Service) analyze(ctx context.Context, al *alert.Alert) (v *Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(ctx, fmt.Errorf("panic: %v", r), "triage pipeline panicked",
				"alert_id", al.ID,
				"rule_id", al.RuleID,
				"stack", string(debug.Stack()),
			)
			v, err = nil, ErrInternal
		}
	}()

	v, ok := s.engine.Analyze(ctx, al)
	if !ok || v == nil {
		return nil, ErrAnalysisUnavailable
	}

	rec := &Record{
		ID:              ulid.Make().String(),
		AlertID:         al.ID,
		RuleDescription: al.RuleDescription,
		RuleLevel:       al.RuleLevel,
		Verdict:         v,
		CreatedAt:       time.Now().UTC(),
	}
	s.record(ctx, rec)
	s.notify(ctx, rec)

	return v, nil
}

// AnalyzeBatch analyses every alert concurrently and waits for all of them.
// One failure never cancels the others; each failure is reported with its
// alert id. Results keep input order.
func (s *Service) AnalyzeBatch(ctx context.Context, alerts []*alert.Alert) *BatchResult {
	start := time.Now()

	res := &BatchResult{
		BatchID: ulid.Make().String(),
		Total:   len(alerts),
		Results: []*Verdict{},
		Errors:  []BatchError{},
	}

	verdicts := make([]*Verdict, len(alerts))
	errs := make([]error, len(alerts))

	var g errgroup.Group
	if s.opts.BatchConcurrency > 0 {
		g.SetLimit(s.opts.BatchConcurrency)
	}
	for i, al := range alerts {
		g.Go(func() error {
			verdicts[i], errs[i] = s.AnalyzeOne(ctx, al)
			return nil
		})
	}
	_ = g.Wait()

	for i, v := range verdicts {
		if errs[i] != nil {
			id := ""
			if alerts[i] != nil {
				id = alerts[i].ID
			}
			res.Errors = append(res.Errors, BatchError{AlertID: id, Error: errs[i].Error()})
			continue
		}
		res.Results = append(res.Results, v)
	}
	res.Successful = len(res.Results)
	res.Failed = len(res.Errors)
	res.ProcessingTimeSeconds = time.Since(start).Seconds()

	if s.metrics != nil {
		s.metrics.BatchSize.Observe(float64(res.Total))
		s.metrics.BatchFailures.Add(float64(res.Failed))
	}

	s.logger.Info(ctx, "batch analyzed",
		"batch_id", res.BatchID,
		"total", res.Total,
		"successful", res.Successful,
		"failed", res.Failed,
		"duration", res.ProcessingTimeSeconds,
	)
	return res
}

// Get retrieves a history record by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, bool, error) {
	if s.store == nil {
		return nil, false, nil
	}
	return s.store.Get(ctx, id)
}

// GetByAlertID retrieves the most recent history record for an alert.
func (s *Service) GetByAlertID(ctx context.Context, alertID string) (*Record, bool, error) {
	if s.store == nil {
		return nil, false, nil
	}
	return s.store.GetByAlertID(ctx, alertID)
}

// Recent lists up to limit history records, newest first.
func (s *Service) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if s.store == nil {
		return []*Record{}, nil
	}
	return s.store.Recent(ctx, limit)
}

// Wait blocks until in-flight notifications have finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) record(ctx context.Context, rec *Record) {
	if s.store == nil {
		return
	}
	if err := s.store.Put(ctx, rec); err != nil {
		s.logger.Error(ctx, err, "failed to record verdict", "alert_id", rec.AlertID, "record_id", rec.ID)
	}
}

// notify sends rec to every notifier in the background, detached from the
// request so a client disconnect does not drop the notification.
func (s *Service) notify(ctx context.Context, rec *Record) {
	if len(s.notifiers) == 0 || s.opts.NotifyMinSeverity == "" {
		return
	}
	if rec.Verdict.Severity.Rank() < s.opts.NotifyMinSeverity.Rank() {
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, n := range s.notifiers {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
			defer cancel()

			result := "success"
			if err := n.Send(nctx, rec); err != nil {
				result = "error"
				s.logger.Error(nctx, err, "notification failed", "notifier", n.Name(), "alert_id", rec.AlertID)
			}
			if s.metrics != nil {
				s.metrics.NotificationsTotal.WithLabelValues(n.Name(), result).Inc()
			}
		}()
	}
}

func (s *Service) observe(err error, d time.Duration) {
	if s.metrics == nil {
		return
	}
	outcome := OutcomeSuccess
	switch {
	case errors.Is(err, ErrAnalysisUnavailable):
		outcome = OutcomeUnavailable
	case err != nil:
		outcome = OutcomeInternal
	}
	s.metrics.AnalysesTotal.WithLabelValues(outcome).Inc()
	s.metrics.AnalysisDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
