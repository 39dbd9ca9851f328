package conn

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obsidianstack/lumberjack/agent/internal/config"
)

func TestBackoff_DoublesUpToMax(t *testing.T) {
	b := NewBackoff(config.BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second}, clock.NewMock())

	var got []time.Duration
	for i := 0; i < 7; i++ {
		got = append(got, b.Next())
	}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
		time.Second,
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 7, b.Attempts())

	b.Reset()
	assert.Equal(t, 0, b.Attempts())
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestBackoff_ManyAttemptsDoNotOverflow(t *testing.T) {
	b := NewBackoff(config.BackoffConfig{Initial: time.Second, Max: time.Minute}, clock.NewMock())
	for i := 0; i < 200; i++ {
		b.Next()
	}
	assert.Equal(t, time.Minute, b.Delay())
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	b := NewBackoff(config.BackoffConfig{Initial: time.Second, Max: time.Second, Jitter: 0.5}, clock.NewMock())

	b.rand = func() float64 { return 0 }
	assert.Equal(t, 500*time.Millisecond, b.Next())
	b.rand = func() float64 { return 1 }
	assert.Equal(t, 1500*time.Millisecond, b.Next())
	b.rand = func() float64 { return 0.5 }
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoff_SleepUsesClock(t *testing.T) {
	mock := clock.NewMock()
	b := NewBackoff(config.BackoffConfig{Initial: time.Second, Max: time.Second}, mock)

	done := make(chan error, 1)
	go func() { done <- b.Sleep(context.Background(), 5*time.Second) }()

	// Advance until the timer registered by Sleep fires.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mock.Add(time.Second)
		select {
		case err := <-done:
			require.NoError(t, err)
			return
		case <-time.After(5 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("Sleep did not return after the mock clock advanced")
		}
	}
}

func TestBackoff_InterruptWakesSleep(t *testing.T) {
	b := NewBackoff(config.BackoffConfig{Initial: time.Hour, Max: time.Hour}, clock.NewMock())

	done := make(chan error, 1)
	go func() { done <- b.Sleep(context.Background(), time.Hour) }()

	time.Sleep(10 * time.Millisecond)
	b.Interrupt()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Interrupt did not wake Sleep")
	}
}

func TestBackoff_SleepHonoursContext(t *testing.T) {
	b := NewBackoff(config.BackoffConfig{Initial: time.Hour, Max: time.Hour}, clock.NewMock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Sleep(ctx, time.Hour), context.Canceled)
}
