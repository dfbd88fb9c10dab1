package worker

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/busybox42/mailcore/internal/delivery"
	"github.com/emersion/go-smtp"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardsTripOnConnectionFailures(t *testing.T) {
	g := NewGuards(GuardConfig{MinRequests: 2, FailureRatio: 0.5, Timeout: time.Hour})
	refused := &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}

	for i := 0; i < 2; i++ {
		err := g.Do(context.Background(), "remote.example", func() error { return refused })
		assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State("remote.example"))

	called := false
	err := g.Do(context.Background(), "remote.example", func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, delivery.Temporary, delivery.Classify(err))

	assert.Equal(t, gobreaker.StateClosed, g.State("other.example"), "breakers are per destination")
}

func TestGuardsIgnorePermanentReplies(t *testing.T) {
	g := NewGuards(GuardConfig{MinRequests: 1, FailureRatio: 0.5})
	rejected := &smtp.SMTPError{Code: 550, Message: "no such user"}

	for i := 0; i < 3; i++ {
		err := g.Do(context.Background(), "remote.example", func() error { return rejected })
		assert.ErrorIs(t, err, rejected)
	}
	assert.Equal(t, gobreaker.StateClosed, g.State("remote.example"))
}

func TestGuardsPacing(t *testing.T) {
	g := NewGuards(GuardConfig{Rate: 1, Burst: 1})
	ctx := context.Background()
	require.NoError(t, g.Do(ctx, "remote.example", func() error { return nil }))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := g.Do(ctx, "remote.example", func() error { return nil })
	require.Error(t, err)
	assert.False(t, errors.Is(err, gobreaker.ErrOpenState))
}
