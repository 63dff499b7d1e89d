package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

type mockService struct {
	started  atomic.Bool
	stopped  chan struct{}
	once     sync.Once
	startErr error
	stopErr  error
	order    *[]string
	orderMu  *sync.Mutex
	name     string
}

func newMock(name string, order *[]string, mu *sync.Mutex) *mockService {
	return &mockService{name: name, stopped: make(chan struct{}), order: order, orderMu: mu}
}

func (m *mockService) Start() error {
	m.started.Store(true)
	if m.startErr != nil {
		return m.startErr
	}
	<-m.stopped
	return nil
}

func (m *mockService) Stop(context.Context) error {
	m.once.Do(func() { close(m.stopped) })
	if m.order != nil {
		m.orderMu.Lock()
		*m.order = append(*m.order, m.name)
		m.orderMu.Unlock()
	}
	return m.stopErr
}

func TestLifecycleStartsAndStopsServicesInReverse(t *testing.T) {
	var order []string
	var mu sync.Mutex
	lc := NewLifecycle(zaptest.NewLogger(t), time.Second)

	svc1 := newMock("svc1", &order, &mu)
	svc2 := newMock("svc2", &order, &mu)
	lc.Add("svc1", svc1)
	lc.Add("svc2", svc2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return svc1.started.Load() && svc2.started.Load()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.Equal(t, []string{"svc2", "svc1"}, order)
}

func TestLifecycleServiceFailureStopsAll(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), time.Second)
	healthy := newMock("healthy", nil, nil)
	failing := newMock("failing", nil, nil)
	failing.startErr = errors.New("address in use")
	lc.Add("healthy", healthy)
	lc.Add("failing", failing)

	err := lc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service failing")
	assert.Contains(t, err.Error(), "address in use")

	select {
	case <-healthy.stopped:
	default:
		t.Fatal("healthy service was not stopped")
	}
}

func TestLifecycleCombinesStopErrors(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), time.Second)
	a := newMock("a", nil, nil)
	b := newMock("b", nil, nil)
	a.stopErr = errors.New("a stuck")
	b.stopErr = errors.New("b stuck")
	lc.Add("a", a)
	lc.Add("b", b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := lc.Run(ctx)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestFuncService(t *testing.T) {
	started := false
	stopped := false

	svc := &FuncService{
		StartFn: func() error {
			started = true
			return nil
		},
		StopFn: func(context.Context) error {
			stopped = true
			return nil
		},
	}

	assert.NoError(t, svc.Start())
	assert.True(t, started)
	assert.NoError(t, svc.Stop(context.Background()))
	assert.True(t, stopped)
}

func TestFuncService_NilStartBlocksUntilStop(t *testing.T) {
	svc := &FuncService{}
	done := make(chan error, 1)
	go func() { done <- svc.Start() }()

	require.NoError(t, svc.Stop(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
