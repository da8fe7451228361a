package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"telecare-signaling/internal/domain"
	"telecare-signaling/internal/service/calling"
	"telecare-signaling/internal/transport"
	apperrors "telecare-signaling/pkg/errors"
	"telecare-signaling/pkg/logger"
)

// scriptedTransport accepts emits until failWith is set
type scriptedTransport struct {
	*transport.Dispatcher

	mu       sync.Mutex
	failWith error
	emitted  []domain.EventType
}

func (s *scriptedTransport) Emit(_ context.Context, eventType domain.EventType, _ any) (*transport.EmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = append(s.emitted, eventType)
	if s.failWith != nil {
		return nil, s.failWith
	}
	return &transport.EmitResult{EventID: "ev", Timestamp: time.Now().UnixMilli()}, nil
}

func TestHangUpAll_EndsLiveCallsAndLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	previous := logger.Log
	logger.Log = zap.New(core)
	t.Cleanup(func() { logger.Log = previous })

	tr := &scriptedTransport{Dispatcher: transport.NewDispatcher()}
	svc := calling.NewService(calling.Identity{UserID: "P1", Name: "Pat"}, tr, calling.Config{RingTimeout: time.Hour})
	t.Cleanup(svc.Close)

	call, err := svc.InitiateCall(context.Background(), calling.InitiateCallInput{CalleeID: "D1", AppointmentID: "apt-1"})
	require.NoError(t, err)

	tr.mu.Lock()
	tr.failWith = apperrors.UnauthorizedError("Token expired")
	tr.mu.Unlock()

	hangUpAll(svc)

	got, ok := svc.Call(call.CallID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStatusEnded, got.Status)

	tr.mu.Lock()
	assert.Equal(t, []domain.EventType{domain.EventInitiateCall, domain.EventCallEnded}, tr.emitted)
	tr.mu.Unlock()

	entries := logs.FilterMessage("Hang up on exit failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, call.CallID, entries[0].ContextMap()["call_id"])
}
