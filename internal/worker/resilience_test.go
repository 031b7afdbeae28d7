package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/sprintd/internal/sprint"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      200 * time.Millisecond,
		Multiplier:          1.5,
		RandomizationFactor: 0,
	}
}

func TestResilientRetriesTransportErrors(t *testing.T) {
	var calls int
	flaky := Func(func(_ context.Context, _ Assignment) (Result, error) {
		calls++
		if calls < 3 {
			return Result{}, errors.New("broken pipe")
		}
		return Result{Notes: "ok"}, nil
	})

	w := NewResilient(flaky, NewBreakerRegistry(nil).Get(RoleBuilder), fastRetry())
	res, err := w.Execute(context.Background(), Assignment{Kind: KindBuild})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "ok", res.Notes)
}

func TestResilientStructuredResultIsNotRetried(t *testing.T) {
	var calls int
	inner := Func(func(_ context.Context, _ Assignment) (Result, error) {
		calls++
		// A human-action request is a successful dispatch, not a failure.
		return Result{HumanAction: &HumanActionRequest{
			Instructions: "add the API key to the environment",
			ResumeCheck:  "test -n \"$API_KEY\"",
		}}, nil
	})

	w := NewResilient(inner, NewBreakerRegistry(nil).Get(RoleBuilder), fastRetry())
	res, err := w.Execute(context.Background(), Assignment{Kind: KindBuild})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.NotNil(t, res.HumanAction)
}

func TestResilientGivesUpAfterMaxElapsed(t *testing.T) {
	var calls int
	dead := Func(func(_ context.Context, _ Assignment) (Result, error) {
		calls++
		return Result{}, errors.New("no such command")
	})

	w := NewResilient(dead, NewBreakerRegistry(nil).Get(RoleBuilder), fastRetry())
	_, err := w.Execute(context.Background(), Assignment{Kind: KindBuild})
	require.Error(t, err)
	assert.Greater(t, calls, 1, "transport errors are retried before giving up")
}

func TestResilientHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int
	inner := Func(func(_ context.Context, _ Assignment) (Result, error) {
		calls++
		return Result{}, nil
	})

	w := NewResilient(inner, NewBreakerRegistry(nil).Get(RoleBuilder), fastRetry())
	_, err := w.Execute(ctx, Assignment{Kind: KindBuild})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls, "a cancelled context never dispatches")
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	cb := NewBreakerRegistry(nil).Get(RoleVerifier)

	failing := func() (interface{}, error) {
		return nil, errors.New("worker exploded")
	}
	for i := 0; i < 5; i++ {
		_, err := cb.Execute(failing)
		require.Error(t, err)
	}

	_, err := cb.Execute(failing)
	require.Error(t, err, "the open circuit rejects before executing")
	assert.NotEqual(t, "worker exploded", err.Error())
}

func TestBreakerRegistryReusesPerRole(t *testing.T) {
	reg := NewBreakerRegistry(nil)
	assert.Same(t, reg.Get(RoleBuilder), reg.Get(RoleBuilder))
	assert.NotSame(t, reg.Get(RoleBuilder), reg.Get(RolePlanner))
}

func TestGapConversionRoundTripsThroughApply(t *testing.T) {
	snap := sprint.New("sp-1", "vision", sprint.Limits{BudgetTotal: 10}, nil)
	muts := GapTasks([]sprint.Gap{{Description: "missing retry", Severity: sprint.SeverityMajor}}, "exit_check")
	next, _, err := sprint.Apply(snap, muts...)
	require.NoError(t, err)
	require.Len(t, next.Tasks, 1)
	assert.Equal(t, sprint.StatusPending, next.Tasks[0].Status)
}
