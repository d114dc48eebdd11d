// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	allocerrors "github.com/spalloc/allocator-core/pkg/errors"
	"github.com/spalloc/allocator-core/pkg/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleAtFixedRate_RunsRepeatedly(t *testing.T) {
	s := New(logging.NoOpLogger{})
	var count atomic.Int32

	s.ScheduleAtFixedRate(context.Background(), "tick", 10*time.Millisecond, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	defer s.Stop()

	require.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestScheduleOnce_RunsAfterDelay(t *testing.T) {
	s := New(logging.NoOpLogger{})
	defer s.Stop()

	done := make(chan struct{})
	s.ScheduleOnce(context.Background(), "once", 10*time.Millisecond, func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("one-shot task did not run")
	}
}

func TestScheduleOnce_CancelPreventsRun(t *testing.T) {
	s := New(logging.NoOpLogger{})
	defer s.Stop()

	var ran atomic.Bool
	cancel := s.ScheduleOnce(context.Background(), "once", 30*time.Millisecond, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	cancel()

	time.Sleep(60 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestStop_RefusesFurtherScheduling(t *testing.T) {
	s := New(logging.NoOpLogger{})
	s.Stop()
	assert.True(t, s.Unschedulable())

	var ran atomic.Bool
	s.ScheduleAtFixedRate(context.Background(), "tick", 10*time.Millisecond, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	time.Sleep(30 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestRunGuarded_RecoversPanic(t *testing.T) {
	s := New(logging.NoOpLogger{})
	defer s.Stop()

	assert.NotPanics(t, func() {
		s.runGuarded(context.Background(), "panicky", func(ctx context.Context) error {
			panic("boom")
		})
	})
}

func TestRunGuarded_StoreBusyIsSwallowed(t *testing.T) {
	s := New(logging.NoOpLogger{})
	defer s.Stop()

	assert.NotPanics(t, func() {
		s.runGuarded(context.Background(), "busy", func(ctx context.Context) error {
			return allocerrors.StoreBusy(assert.AnError)
		})
	})
}

func TestScheduleCron_InvalidExpressionErrors(t *testing.T) {
	s := New(logging.NoOpLogger{})
	defer s.Stop()

	err := s.ScheduleCron(context.Background(), "bad", "not a cron expr", func(ctx context.Context) error { return nil })
	require.Error(t, err)
}
