package biz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"RelayGuard/internal/conf"
	"RelayGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

// recordingSink captures probe events in memory.
type recordingSink struct {
	mu      sync.Mutex
	events  []*model.ProbeResult
	deleted time.Time
}

func (s *recordingSink) Record(_ context.Context, res *model.ProbeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, res)
}

func (s *recordingSink) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = cutoff
	return 3, nil
}

func (s *recordingSink) all() []*model.ProbeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.ProbeResult(nil), s.events...)
}

// memCursor is an in-memory ProbeCursor.
type memCursor struct {
	mu  sync.Mutex
	pos int64
}

func (c *memCursor) Advance(_ context.Context, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos += delta
	return c.pos, nil
}

func proberConf(batch, concurrency int32, timeout time.Duration) *conf.Gateway {
	c := testGatewayConf()
	c.Prober = &conf.Gateway_Prober{
		BatchSize:    batch,
		Concurrency:  concurrency,
		Timeout:      durationpb.New(timeout),
		LogRetention: durationpb.New(7 * 24 * time.Hour),
	}
	return c
}

func newTestProber(t *testing.T, c *conf.Gateway, catalog EndpointCatalog, sink ProbeEventSink, cursor ProbeCursor) (*ProberUseCase, *Background) {
	t.Helper()
	logger := log.NewStdLogger(os.Stdout)
	worker := NewBackground(logger)
	configs := new(MockConfigSource)
	configs.On("GetEndpointBreakerConfig", mock.Anything, mock.Anything).Return(providerConfig(5, 5*time.Minute, 3), nil)
	webhook := new(MockWebhook)
	webhook.On("NotifyBreakerOpened", mock.Anything, mock.Anything).Return(nil)
	breaker := NewBreakerUseCase(c, newMemStateRepo(), configs, webhook, nil, worker, logger)
	return NewProberUseCase(c, catalog, sink, cursor, breaker, nil, logger), worker
}

func probeEndpoint(id int64, url string) *model.EndpointRecord {
	return &model.EndpointRecord{ID: id, ProviderID: 1, URL: url, IsEnabled: true}
}

func TestProbe_HealthyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	catalog := new(MockCatalog)
	sink := &recordingSink{}
	uc, worker := newTestProber(t, proberConf(10, 4, 2*time.Second), catalog, sink, &memCursor{})
	defer worker.Drain()

	catalog.On("ListEndpoints", mock.Anything).Return([]*model.EndpointRecord{probeEndpoint(1, srv.URL)}, nil)
	catalog.On("UpdateProbeSnapshot", mock.Anything, int64(1), true, mock.Anything, mock.Anything).Return(nil)

	probed, err := uc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, probed)

	events := sink.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].Ok)
	assert.Equal(t, http.StatusOK, events[0].StatusCode)
	catalog.AssertCalled(t, "UpdateProbeSnapshot", mock.Anything, int64(1), true, mock.Anything, mock.Anything)
}

func TestProbe_HeadRejectedFallsBackToGet(t *testing.T) {
	var sawGet bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusMethodNotAllowed)
		case http.MethodGet:
			sawGet = true
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	catalog := new(MockCatalog)
	sink := &recordingSink{}
	uc, worker := newTestProber(t, proberConf(10, 4, 2*time.Second), catalog, sink, &memCursor{})
	defer worker.Drain()

	catalog.On("ListEndpoints", mock.Anything).Return([]*model.EndpointRecord{probeEndpoint(1, srv.URL)}, nil)
	catalog.On("UpdateProbeSnapshot", mock.Anything, int64(1), true, mock.Anything, mock.Anything).Return(nil)

	_, err := uc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, sawGet)
	events := sink.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].Ok)
}

func TestProbe_ServerErrorRecordedAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	catalog := new(MockCatalog)
	sink := &recordingSink{}
	uc, worker := newTestProber(t, proberConf(10, 4, 2*time.Second), catalog, sink, &memCursor{})
	defer worker.Drain()

	catalog.On("ListEndpoints", mock.Anything).Return([]*model.EndpointRecord{probeEndpoint(1, srv.URL)}, nil)
	catalog.On("UpdateProbeSnapshot", mock.Anything, int64(1), false, mock.Anything, mock.Anything).Return(nil)

	_, err := uc.RunCycle(context.Background())
	require.NoError(t, err)

	events := sink.all()
	require.Len(t, events, 1)
	assert.False(t, events[0].Ok)
	assert.Equal(t, "status", events[0].ErrorType)
	assert.Equal(t, http.StatusBadGateway, events[0].StatusCode)
}

func TestProbe_TimeoutRecordedAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	catalog := new(MockCatalog)
	sink := &recordingSink{}
	uc, worker := newTestProber(t, proberConf(10, 4, 50*time.Millisecond), catalog, sink, &memCursor{})
	defer worker.Drain()

	catalog.On("ListEndpoints", mock.Anything).Return([]*model.EndpointRecord{probeEndpoint(1, srv.URL)}, nil)
	catalog.On("UpdateProbeSnapshot", mock.Anything, int64(1), false, mock.Anything, mock.Anything).Return(nil)

	_, err := uc.RunCycle(context.Background())
	require.NoError(t, err)

	events := sink.all()
	require.Len(t, events, 1)
	assert.False(t, events[0].Ok)
	assert.Equal(t, "timeout", events[0].ErrorType)
}

func TestProbe_UnreachableRecordedAsConnectionError(t *testing.T) {
	catalog := new(MockCatalog)
	sink := &recordingSink{}
	uc, worker := newTestProber(t, proberConf(10, 4, time.Second), catalog, sink, &memCursor{})
	defer worker.Drain()

	catalog.On("ListEndpoints", mock.Anything).Return([]*model.EndpointRecord{probeEndpoint(1, "http://127.0.0.1:1")}, nil)
	catalog.On("UpdateProbeSnapshot", mock.Anything, int64(1), false, mock.Anything, mock.Anything).Return(nil)

	_, err := uc.RunCycle(context.Background())
	require.NoError(t, err)

	events := sink.all()
	require.Len(t, events, 1)
	assert.False(t, events[0].Ok)
	assert.Equal(t, "connection", events[0].ErrorType)
}

func TestRunCycle_RoundRobinAcrossCycles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	catalog := new(MockCatalog)
	sink := &recordingSink{}
	cursor := &memCursor{}
	uc, worker := newTestProber(t, proberConf(2, 2, time.Second), catalog, sink, cursor)
	defer worker.Drain()

	endpoints := []*model.EndpointRecord{
		probeEndpoint(1, srv.URL),
		probeEndpoint(2, srv.URL),
		probeEndpoint(3, srv.URL),
	}
	catalog.On("ListEndpoints", mock.Anything).Return(endpoints, nil)
	catalog.On("UpdateProbeSnapshot", mock.Anything, mock.Anything, true, mock.Anything, mock.Anything).Return(nil)

	// First cycle probes endpoints 1,2; second wraps 3,1.
	_, err := uc.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = uc.RunCycle(context.Background())
	require.NoError(t, err)

	seen := make(map[int64]int)
	for _, e := range sink.all() {
		seen[e.EndpointID]++
	}
	assert.Equal(t, 2, seen[1])
	assert.Equal(t, 1, seen[2])
	assert.Equal(t, 1, seen[3])
}

func TestRunCycle_SkipsDisabledEndpoints(t *testing.T) {
	catalog := new(MockCatalog)
	sink := &recordingSink{}
	uc, worker := newTestProber(t, proberConf(10, 4, time.Second), catalog, sink, &memCursor{})
	defer worker.Drain()

	disabled := probeEndpoint(1, "http://127.0.0.1:1")
	disabled.IsEnabled = false
	catalog.On("ListEndpoints", mock.Anything).Return([]*model.EndpointRecord{disabled}, nil)

	probed, err := uc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, probed)
	assert.Empty(t, sink.all())
}

func TestSweepProbeEvents(t *testing.T) {
	catalog := new(MockCatalog)
	sink := &recordingSink{}
	uc, worker := newTestProber(t, proberConf(10, 4, time.Second), catalog, sink, &memCursor{})
	defer worker.Drain()

	deleted, err := uc.SweepProbeEvents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
	assert.WithinDuration(t, time.Now().Add(-7*24*time.Hour), sink.deleted, time.Minute)
}
