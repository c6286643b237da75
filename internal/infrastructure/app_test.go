package infrastructure

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskmeter/internal/logging"
)

type blockingServer struct {
	startErr error
	stopped  atomic.Bool
}

func (s *blockingServer) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	<-ctx.Done()
	return nil
}

func (s *blockingServer) Stop(context.Context) error {
	s.stopped.Store(true)
	return nil
}

func TestApp_StopsAllServersOnCancel(t *testing.T) {
	a, b := &blockingServer{}, &blockingServer{}
	app := NewApp([]Server{a, b}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.True(t, a.stopped.Load())
	assert.True(t, b.stopped.Load())
}

func TestApp_FailingServerStopsTheRest(t *testing.T) {
	boom := errors.New("listen: address in use")
	ok, bad := &blockingServer{}, &blockingServer{startErr: boom}
	app := NewApp([]Server{ok, bad}, logging.Discard())

	err := app.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, ok.stopped.Load())
}

func TestRunCleanup_ReverseOrder(t *testing.T) {
	var order []int
	runCleanup([]func(){
		func() { order = append(order, 1) },
		func() { order = append(order, 2) },
	})()
	assert.Equal(t, []int{2, 1}, order)
}
