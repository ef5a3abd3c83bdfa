package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/moltwatch/api/schemas"
)

func TestScheduler_RunsOnEveryTick(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	runner := &fakeRunner{summary: doneSummary()}
	s := NewScheduler(runner, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestScheduler_FailedRunDoesNotStopSchedule(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	core, logs := observer.New(zapcore.ErrorLevel)
	runner := &fakeRunner{summary: &schemas.RunSummary{State: schemas.StateFailed}, err: errors.New("boom")}
	s := NewScheduler(runner, 5*time.Millisecond, zap.New(core))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool { return runner.calls.Load() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done
	assert.GreaterOrEqual(t, logs.FilterMessage("Scheduled collection failed.").Len(), 2)
}

func TestHTTPService_ServesUntilCanceled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }),
		ReadHeaderTimeout: time.Second,
	}
	svc := NewHTTPService(srv, time.Second)
	assert.Equal(t, "http-server", svc.String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + addr)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

type failingServer struct{}

func (failingServer) ListenAndServe() error          { return errors.New("address in use") }
func (failingServer) Shutdown(context.Context) error { return nil }

func TestHTTPService_ListenFailure(t *testing.T) {
	err := NewHTTPService(failingServer{}, 0).Serve(context.Background())
	assert.ErrorContains(t, err, "address in use")
}

func TestSupervisor_RunsServices(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	runner := &fakeRunner{summary: doneSummary()}
	sup := NewSupervisor(zap.NewNop(), time.Second)
	sup.Add(NewScheduler(runner, 5*time.Millisecond, zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := sup.ServeBackground(ctx)
	require.Eventually(t, func() bool { return runner.calls.Load() >= 1 }, 2*time.Second, time.Millisecond)
	cancel()
	<-errCh
}
