package biz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"RelayGuard/internal/conf"
	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/errgroup"
)

// ProbeCursor tracks the active prober's round-robin position across cycles.
type ProbeCursor interface {
	Advance(ctx context.Context, delta int64) (int64, error)
}

// ProberUseCase actively probes upstream endpoints: each cycle picks the
// next batch of endpoints via a shared round-robin cursor, issues a bounded
// number of concurrent HEAD requests, and records the outcome three ways:
// as an audit event, as a probe snapshot on the endpoint row, and as a
// success/failure signal into the endpoint circuit breaker.
type ProberUseCase struct {
	catalog EndpointCatalog
	events  ProbeEventSink
	cursor  ProbeCursor
	breaker *BreakerUseCase
	audit   AuditSink
	client  *http.Client
	logger  *log.Helper

	batchSize    int
	concurrency  int
	timeout      time.Duration
	logRetention time.Duration
}

// NewProberUseCase creates a new endpoint health prober.
func NewProberUseCase(c *conf.Gateway, catalog EndpointCatalog, events ProbeEventSink, cursor ProbeCursor, breaker *BreakerUseCase, audit AuditSink, logger log.Logger) *ProberUseCase {
	uc := &ProberUseCase{
		catalog:      catalog,
		events:       events,
		cursor:       cursor,
		breaker:      breaker,
		audit:        audit,
		logger:       log.NewHelper(logger),
		batchSize:    10,
		concurrency:  4,
		timeout:      5 * time.Second,
		logRetention: 7 * 24 * time.Hour,
	}
	if c != nil && c.Prober != nil {
		if c.Prober.BatchSize > 0 {
			uc.batchSize = int(c.Prober.BatchSize)
		}
		if c.Prober.Concurrency > 0 {
			uc.concurrency = int(c.Prober.Concurrency)
		}
		if c.Prober.Timeout != nil {
			uc.timeout = c.Prober.Timeout.AsDuration()
		}
		if c.Prober.LogRetention != nil {
			uc.logRetention = c.Prober.LogRetention.AsDuration()
		}
	}
	uc.client = &http.Client{
		Timeout: uc.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return uc
}

// RunCycle probes the next batch of endpoints. Probe failures are recorded
// as health signal, never returned; only catalog access errors surface.
func (uc *ProberUseCase) RunCycle(ctx context.Context) (int, error) {
	endpoints, err := uc.catalog.ListEndpoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("prober: list endpoints: %w", err)
	}

	candidates := make([]*model.EndpointRecord, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.IsEnabled && ep.DeletedAt == nil {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	batch := uc.batchSize
	if batch > len(candidates) {
		batch = len(candidates)
	}

	pos, err := uc.cursor.Advance(ctx, int64(batch))
	if err != nil {
		// Cursor loss only degrades fairness, not correctness.
		uc.logger.Warnf("prober: cursor advance failed: %v (starting at 0)", err)
		pos = int64(batch)
	}
	start := int((pos - int64(batch)) % int64(len(candidates)))
	if start < 0 {
		start += len(candidates)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.concurrency)
	for i := 0; i < batch; i++ {
		ep := candidates[(start+i)%len(candidates)]
		g.Go(func() error {
			uc.probeOne(gctx, ep)
			return nil
		})
	}
	_ = g.Wait()
	return batch, nil
}

// probeOne issues one health probe and records its outcome.
func (uc *ProberUseCase) probeOne(ctx context.Context, ep *model.EndpointRecord) {
	res := uc.probe(ctx, ep.URL)
	res.EndpointID = ep.ID

	uc.events.Record(ctx, res)

	if err := uc.catalog.UpdateProbeSnapshot(ctx, ep.ID, res.Ok, res.LatencyMs, res.ProbedAt); err != nil {
		uc.logger.Warnf("prober: snapshot update for endpoint %d failed: %v", ep.ID, err)
	}

	if res.Ok {
		uc.breaker.RecordSuccess(ctx, model.BreakerScopeEndpoint, ep.ID)
	} else {
		uc.breaker.RecordFailure(ctx, model.BreakerScopeEndpoint, ep.ID)
		uc.logger.Warnw("endpoint probe failed",
			"endpoint_id", ep.ID,
			"status", res.StatusCode,
			"error_type", res.ErrorType,
			"error", res.ErrorMessage)
		if uc.audit != nil {
			uc.audit.Record(ctx, &model.AuditEvent{
				EventType: model.AuditEventProbeFailed,
				Scope:     model.BreakerScopeEndpoint,
				TargetID:  ep.ID,
				Detail:    fmt.Sprintf("%s: %s", res.ErrorType, res.ErrorMessage),
				At:        res.ProbedAt,
			})
		}
	}
}

// probe sends a HEAD request with the configured timeout; targets that
// reject HEAD semantics (405/501) are retried with GET. Any response at all
// counts as reachable unless it is a server error.
func (uc *ProberUseCase) probe(ctx context.Context, url string) *model.ProbeResult {
	start := time.Now()
	status, err := uc.request(ctx, http.MethodHead, url)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		status, err = uc.request(ctx, http.MethodGet, url)
	}
	latency := time.Since(start).Milliseconds()

	res := &model.ProbeResult{
		LatencyMs: latency,
		ProbedAt:  time.Now(),
	}
	if err != nil {
		res.Ok = false
		res.ErrorMessage = err.Error()
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			res.ErrorType = "timeout"
		} else {
			res.ErrorType = "connection"
		}
		return res
	}

	res.StatusCode = status
	res.Ok = status < http.StatusInternalServerError
	if !res.Ok {
		res.ErrorType = "status"
		res.ErrorMessage = fmt.Sprintf("upstream returned %d", status)
	}
	return res
}

func (uc *ProberUseCase) request(ctx context.Context, method, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, uc.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := uc.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// SweepProbeEvents deletes probe audit rows older than the retention window.
// Called from the scheduled retention job.
func (uc *ProberUseCase) SweepProbeEvents(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-uc.logRetention)
	deleted, err := uc.events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prober: sweep probe events: %w", err)
	}
	if deleted > 0 {
		uc.logger.Infow("probe event retention sweep completed", "deleted", deleted)
	}
	return deleted, nil
}
