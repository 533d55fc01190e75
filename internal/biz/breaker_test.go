package biz

import (
	"context"
	"errors"
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

// memStateRepo is an in-memory BreakerStateRepo. Breaker tests need stateful
// read-modify-write behavior across calls, which a per-call mock cannot
// express cleanly.
type memStateRepo struct {
	mu      sync.Mutex
	records map[string]*model.BreakerHealth
	failGet bool
	failPut bool
}

func newMemStateRepo() *memStateRepo {
	return &memStateRepo{records: make(map[string]*model.BreakerHealth)}
}

func (m *memStateRepo) key(scope model.BreakerScope, id int64) string {
	return breakerCacheKey(scope, id)
}

func (m *memStateRepo) Get(_ context.Context, scope model.BreakerScope, id int64) (*model.BreakerHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("store unavailable")
	}
	h, ok := m.records[m.key(scope, id)]
	if !ok {
		return nil, nil
	}
	cp := *h
	return &cp, nil
}

func (m *memStateRepo) GetMany(_ context.Context, scope model.BreakerScope, ids []int64) (map[int64]*model.BreakerHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("store unavailable")
	}
	out := make(map[int64]*model.BreakerHealth, len(ids))
	for _, id := range ids {
		if h, ok := m.records[m.key(scope, id)]; ok {
			cp := *h
			out[id] = &cp
		} else {
			out[id] = nil
		}
	}
	return out, nil
}

func (m *memStateRepo) Put(_ context.Context, scope model.BreakerScope, id int64, h *model.BreakerHealth, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New("store unavailable")
	}
	cp := *h
	m.records[m.key(scope, id)] = &cp
	return nil
}

func (m *memStateRepo) Delete(_ context.Context, scope model.BreakerScope, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, m.key(scope, id))
	return nil
}

func (m *memStateRepo) PublishInvalidation(_ context.Context, _ model.BreakerScope, _ []int64) error {
	return nil
}

func (m *memStateRepo) SubscribeInvalidations(_ context.Context, _ func(scope model.BreakerScope, ids []int64)) (func(), error) {
	return func() {}, nil
}

func (m *memStateRepo) stored(scope model.BreakerScope, id int64) *model.BreakerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[m.key(scope, id)]
}

func (m *memStateRepo) store(scope model.BreakerScope, id int64, h *model.BreakerHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[m.key(scope, id)] = h
}

// MockConfigSource is a mock implementation of BreakerConfigSource.
type MockConfigSource struct {
	mock.Mock
}

func (m *MockConfigSource) GetProviderBreakerConfig(ctx context.Context, providerID int64) (*model.BreakerConfig, error) {
	args := m.Called(ctx, providerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BreakerConfig), args.Error(1)
}

func (m *MockConfigSource) GetEndpointBreakerConfig(ctx context.Context, endpointID int64) (*model.BreakerConfig, error) {
	args := m.Called(ctx, endpointID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BreakerConfig), args.Error(1)
}

// MockWebhook is a mock implementation of WebhookService.
type MockWebhook struct {
	mock.Mock
}

func (m *MockWebhook) NotifyBreakerOpened(ctx context.Context, event *model.BreakerOpenedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockWebhook) NotifyBreakerRecovered(ctx context.Context, event *model.BreakerRecoveredEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockWebhook) NotifyLeaseExhausted(ctx context.Context, event *model.LeaseExhaustedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func testGatewayConf() *conf.Gateway {
	return &conf.Gateway{
		Breaker: &conf.Gateway_Breaker{
			ConfigTtl:                       durationpb.New(5 * time.Minute),
			StateTtl:                        durationpb.New(24 * time.Hour),
			DefaultFailureThreshold:         5,
			DefaultOpenDuration:             durationpb.New(5 * time.Minute),
			DefaultHalfOpenSuccessThreshold: 3,
		},
	}
}

func newTestBreaker(t *testing.T, states BreakerStateRepo, configs BreakerConfigSource) (*BreakerUseCase, *Background, *MockWebhook) {
	t.Helper()
	logger := log.NewStdLogger(os.Stdout)
	worker := NewBackground(logger)
	webhook := new(MockWebhook)
	uc := NewBreakerUseCase(testGatewayConf(), states, configs, webhook, nil, worker, logger)
	return uc, worker, webhook
}

func providerConfig(threshold int32, openDuration time.Duration, halfOpen int32) *model.BreakerConfig {
	return &model.BreakerConfig{
		FailureThreshold:         threshold,
		OpenDuration:             openDuration,
		HalfOpenSuccessThreshold: halfOpen,
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	uc, worker, webhook := newTestBreaker(t, states, configs)

	ctx := context.Background()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(2, 5*time.Minute, 3), nil)
	webhook.On("NotifyBreakerOpened", mock.Anything, mock.Anything).Return(nil)

	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)
	assert.False(t, uc.IsOpen(ctx, model.BreakerScopeProvider, 1))

	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)
	assert.True(t, uc.IsOpen(ctx, model.BreakerScopeProvider, 1))

	h := states.stored(model.BreakerScopeProvider, 1)
	require.NotNil(t, h)
	assert.Equal(t, model.CircuitOpen, h.CircuitState)
	assert.Equal(t, int32(2), h.FailureCount)
	require.NotNil(t, h.CircuitOpenUntil)

	worker.Drain()
	webhook.AssertCalled(t, "NotifyBreakerOpened", mock.Anything, mock.Anything)
}

func TestBreaker_OpenUntilSetOncePerOpenTransition(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	uc, worker, webhook := newTestBreaker(t, states, configs)

	ctx := context.Background()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(2, 5*time.Minute, 3), nil)
	webhook.On("NotifyBreakerOpened", mock.Anything, mock.Anything).Return(nil)

	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)
	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)

	first := states.stored(model.BreakerScopeProvider, 1)
	require.NotNil(t, first.CircuitOpenUntil)
	openUntil := *first.CircuitOpenUntil

	// Failures while already open must not move the deadline forward.
	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)
	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)

	after := states.stored(model.BreakerScopeProvider, 1)
	assert.Equal(t, openUntil, *after.CircuitOpenUntil)
	assert.Equal(t, int32(4), after.FailureCount)
	worker.Drain()
}

func TestBreaker_LazyHalfOpenTransition(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	uc, worker, _ := newTestBreaker(t, states, configs)
	defer worker.Drain()

	ctx := context.Background()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(2, 5*time.Minute, 3), nil)

	// Seed an open record whose cooldown has already elapsed.
	past := time.Now().Add(-time.Second)
	lastFailure := time.Now().Add(-6 * time.Minute)
	states.store(model.BreakerScopeProvider, 1, &model.BreakerHealth{
		FailureCount:     2,
		LastFailureTime:  &lastFailure,
		CircuitState:     model.CircuitOpen,
		CircuitOpenUntil: &past,
	})

	// The expired open breaker lets this caller through as a trial.
	assert.False(t, uc.IsOpen(ctx, model.BreakerScopeProvider, 1))

	h := states.stored(model.BreakerScopeProvider, 1)
	assert.Equal(t, model.CircuitHalfOpen, h.CircuitState)
	assert.Equal(t, int32(0), h.HalfOpenSuccessCount)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	uc, worker, webhook := newTestBreaker(t, states, configs)

	ctx := context.Background()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(2, 5*time.Minute, 2), nil)
	webhook.On("NotifyBreakerRecovered", mock.Anything, mock.Anything).Return(nil)

	states.store(model.BreakerScopeProvider, 1, &model.BreakerHealth{
		FailureCount: 2,
		CircuitState: model.CircuitHalfOpen,
	})

	uc.RecordSuccess(ctx, model.BreakerScopeProvider, 1)
	h := states.stored(model.BreakerScopeProvider, 1)
	assert.Equal(t, model.CircuitHalfOpen, h.CircuitState)
	assert.Equal(t, int32(1), h.HalfOpenSuccessCount)

	uc.RecordSuccess(ctx, model.BreakerScopeProvider, 1)
	h = states.stored(model.BreakerScopeProvider, 1)
	assert.Equal(t, model.CircuitClosed, h.CircuitState)
	assert.Equal(t, int32(0), h.FailureCount)
	assert.Nil(t, h.LastFailureTime)
	assert.Nil(t, h.CircuitOpenUntil)
	assert.Equal(t, int32(0), h.HalfOpenSuccessCount)

	worker.Drain()
	webhook.AssertCalled(t, "NotifyBreakerRecovered", mock.Anything, mock.Anything)
}

func TestBreaker_HalfOpenFailureReopensImmediately(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	uc, worker, webhook := newTestBreaker(t, states, configs)

	ctx := context.Background()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(5, 5*time.Minute, 3), nil)
	webhook.On("NotifyBreakerOpened", mock.Anything, mock.Anything).Return(nil)

	states.store(model.BreakerScopeProvider, 1, &model.BreakerHealth{
		FailureCount:         5,
		CircuitState:         model.CircuitHalfOpen,
		HalfOpenSuccessCount: 1,
	})

	// A single failure during trial reopens, without a full threshold run.
	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)

	h := states.stored(model.BreakerScopeProvider, 1)
	assert.Equal(t, model.CircuitOpen, h.CircuitState)
	require.NotNil(t, h.CircuitOpenUntil)
	assert.Equal(t, int32(0), h.HalfOpenSuccessCount)
	worker.Drain()
}

func TestBreaker_ClosedSuccessResetsFailureCount(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	uc, worker, _ := newTestBreaker(t, states, configs)
	defer worker.Drain()

	ctx := context.Background()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(5, 5*time.Minute, 3), nil)

	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)
	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)
	assert.Equal(t, int32(2), states.stored(model.BreakerScopeProvider, 1).FailureCount)

	// Only consecutive recent failures count.
	uc.RecordSuccess(ctx, model.BreakerScopeProvider, 1)
	h := states.stored(model.BreakerScopeProvider, 1)
	assert.Equal(t, int32(0), h.FailureCount)
	assert.Nil(t, h.LastFailureTime)
	assert.Equal(t, model.CircuitClosed, h.CircuitState)
}

func TestBreaker_DisabledNeverOpensAndNormalizesStaleState(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	uc, worker, _ := newTestBreaker(t, states, configs)
	defer worker.Drain()

	ctx := context.Background()
	// Threshold 0 disables the breaker.
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(0, 5*time.Minute, 3), nil)

	// Stale open state from a previous non-zero threshold.
	until := time.Now().Add(time.Hour)
	lastFailure := time.Now()
	states.store(model.BreakerScopeProvider, 1, &model.BreakerHealth{
		FailureCount:     7,
		LastFailureTime:  &lastFailure,
		CircuitState:     model.CircuitOpen,
		CircuitOpenUntil: &until,
	})

	assert.False(t, uc.IsOpen(ctx, model.BreakerScopeProvider, 1))

	h := states.stored(model.BreakerScopeProvider, 1)
	assert.Equal(t, model.CircuitClosed, h.CircuitState)
	assert.Equal(t, int32(0), h.FailureCount)
	assert.Nil(t, h.LastFailureTime)
	assert.Nil(t, h.CircuitOpenUntil)

	// Failures against a disabled breaker never accumulate.
	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)
	assert.False(t, uc.IsOpen(ctx, model.BreakerScopeProvider, 1))
	assert.Equal(t, int32(0), states.stored(model.BreakerScopeProvider, 1).FailureCount)
}

func TestBreaker_StoreErrorFailsOpen(t *testing.T) {
	states := newMemStateRepo()
	states.failGet = true
	configs := new(MockConfigSource)
	uc, worker, _ := newTestBreaker(t, states, configs)
	defer worker.Drain()

	ctx := context.Background()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(2, 5*time.Minute, 3), nil)

	assert.False(t, uc.IsOpen(ctx, model.BreakerScopeProvider, 1))
}

func TestBreaker_ConfigFetchErrorFallsBackToDefaults(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	uc, worker, webhook := newTestBreaker(t, states, configs)

	ctx := context.Background()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(nil, errors.New("catalog down"))
	webhook.On("NotifyBreakerOpened", mock.Anything, mock.Anything).Return(nil)

	// Default threshold is 5; the breaker still works on defaults.
	for i := 0; i < 5; i++ {
		uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)
	}
	assert.True(t, uc.IsOpen(ctx, model.BreakerScopeProvider, 1))
	worker.Drain()
}

func TestBreaker_GetAllHealthAuthoritativeReset(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	uc, worker, webhook := newTestBreaker(t, states, configs)

	ctx := context.Background()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(1, 5*time.Minute, 3), nil)
	webhook.On("NotifyBreakerOpened", mock.Anything, mock.Anything).Return(nil)

	// Open the breaker; the local cache now believes it is open.
	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)
	assert.True(t, uc.IsOpen(ctx, model.BreakerScopeProvider, 1))

	// External reset: the shared record disappears.
	require.NoError(t, states.Delete(ctx, model.BreakerScopeProvider, 1))

	healths, err := uc.GetAllHealth(ctx, model.BreakerScopeProvider, []int64{1, 2}, false)
	require.NoError(t, err)
	assert.Equal(t, model.CircuitClosed, healths[1].CircuitState)
	assert.Equal(t, int32(0), healths[1].FailureCount)
	assert.Equal(t, model.CircuitClosed, healths[2].CircuitState)

	// The stale local view must not linger either.
	assert.Nil(t, uc.localHealth(breakerCacheKey(model.BreakerScopeProvider, 1)))
	worker.Drain()
}

func TestBreaker_GetAllHealthServesLocalCacheOnStoreError(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	uc, worker, webhook := newTestBreaker(t, states, configs)

	ctx := context.Background()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(1, 5*time.Minute, 3), nil)
	webhook.On("NotifyBreakerOpened", mock.Anything, mock.Anything).Return(nil)

	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)

	states.failGet = true
	healths, err := uc.GetAllHealth(ctx, model.BreakerScopeProvider, []int64{1}, false)
	require.NoError(t, err)
	assert.Equal(t, model.CircuitOpen, healths[1].CircuitState)

	// forceRefresh demands the authoritative view and surfaces the error.
	_, err = uc.GetAllHealth(ctx, model.BreakerScopeProvider, []int64{1}, true)
	assert.Error(t, err)
	worker.Drain()
}

func TestBreaker_InvalidationDropsCachedConfig(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	uc, worker, _ := newTestBreaker(t, states, configs)
	defer worker.Drain()

	ctx := context.Background()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(5, 5*time.Minute, 3), nil).Once()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(9, 5*time.Minute, 3), nil).Once()

	cfg := uc.getConfig(ctx, model.BreakerScopeProvider, 1)
	assert.Equal(t, int32(5), cfg.FailureThreshold)

	// Cached: no second fetch.
	cfg = uc.getConfig(ctx, model.BreakerScopeProvider, 1)
	assert.Equal(t, int32(5), cfg.FailureThreshold)

	uc.onInvalidate(model.BreakerScopeProvider, []int64{1})

	cfg = uc.getConfig(ctx, model.BreakerScopeProvider, 1)
	assert.Equal(t, int32(9), cfg.FailureThreshold)
	configs.AssertExpectations(t)
}

func TestBreaker_EndpointScopeUsesEndpointConfig(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	uc, worker, webhook := newTestBreaker(t, states, configs)

	ctx := context.Background()
	configs.On("GetEndpointBreakerConfig", mock.Anything, int64(77)).Return(providerConfig(1, time.Minute, 1), nil)
	webhook.On("NotifyBreakerOpened", mock.Anything, mock.Anything).Return(nil)

	uc.RecordFailure(ctx, model.BreakerScopeEndpoint, 77)
	assert.True(t, uc.IsOpen(ctx, model.BreakerScopeEndpoint, 77))
	worker.Drain()
}

func TestBreaker_Reset(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	uc, worker, webhook := newTestBreaker(t, states, configs)

	ctx := context.Background()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(1, 5*time.Minute, 3), nil)
	webhook.On("NotifyBreakerOpened", mock.Anything, mock.Anything).Return(nil)

	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)
	assert.True(t, uc.IsOpen(ctx, model.BreakerScopeProvider, 1))

	require.NoError(t, uc.Reset(ctx, model.BreakerScopeProvider, 1))
	assert.False(t, uc.IsOpen(ctx, model.BreakerScopeProvider, 1))
	assert.Nil(t, states.stored(model.BreakerScopeProvider, 1))
	worker.Drain()
}

// memAuditSink collects audit events in memory.
type memAuditSink struct {
	mu     sync.Mutex
	events []*model.AuditEvent
}

func (s *memAuditSink) Record(_ context.Context, event *model.AuditEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *memAuditSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}

func TestBreaker_AuditTrailAcrossTransitions(t *testing.T) {
	states := newMemStateRepo()
	configs := new(MockConfigSource)
	logger := log.NewStdLogger(os.Stdout)
	worker := NewBackground(logger)
	defer worker.Drain()
	webhook := new(MockWebhook)
	audit := &memAuditSink{}
	uc := NewBreakerUseCase(testGatewayConf(), states, configs, webhook, audit, worker, logger)

	ctx := context.Background()
	configs.On("GetProviderBreakerConfig", mock.Anything, int64(1)).Return(providerConfig(1, time.Millisecond, 1), nil)
	webhook.On("NotifyBreakerOpened", mock.Anything, mock.Anything).Return(nil)
	webhook.On("NotifyBreakerRecovered", mock.Anything, mock.Anything).Return(nil)

	uc.RecordFailure(ctx, model.BreakerScopeProvider, 1)
	time.Sleep(5 * time.Millisecond)
	assert.False(t, uc.IsOpen(ctx, model.BreakerScopeProvider, 1))
	uc.RecordSuccess(ctx, model.BreakerScopeProvider, 1)
	require.NoError(t, uc.Reset(ctx, model.BreakerScopeProvider, 1))

	assert.Equal(t, []string{
		model.AuditEventBreakerOpened,
		model.AuditEventBreakerHalfOpen,
		model.AuditEventBreakerRecovered,
		model.AuditEventBreakerReset,
	}, audit.types())

	last := audit.events[len(audit.events)-1]
	assert.Equal(t, model.BreakerScopeProvider, last.Scope)
	assert.Equal(t, int64(1), last.TargetID)
	assert.False(t, last.At.IsZero())
}
