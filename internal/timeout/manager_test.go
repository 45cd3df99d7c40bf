package timeout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"c2dagent/internal/catalog"
	"c2dagent/internal/logging"
)

func newTestManager() *Manager {
	return NewManager(Config{
		Job:         500 * time.Millisecond,
		Attestation: 100 * time.Millisecond,
		C2D:         200 * time.Millisecond,
		Default:     100 * time.Millisecond,
		Log:         logging.Discard,
	})
}

func sleepOp(d time.Duration, v string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		select {
		case <-time.After(d):
			return v, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func TestExecuteSucceedsBeforeDeadline(t *testing.T) {
	require := require.New(t)
	m := newTestManager()

	for _, typ := range []OperationType{OpJob, OpAttestation, OpC2D, OpGeneric} {
		res := Execute(context.Background(), m, sleepOp(10*time.Millisecond, "ok"), typ, 0, "job-1")
		require.True(res.Success, typ)
		require.Equal("ok", res.Value)
		require.Nil(res.Err)
		require.False(res.TimedOut)
		require.False(res.Cancelled)
	}
	require.Empty(m.Active())
}

func TestExecuteTimesOutAtDeadline(t *testing.T) {
	require := require.New(t)
	m := newTestManager()

	cases := map[OperationType]catalog.Code{
		OpJob:         catalog.JobTimeout,
		OpAttestation: catalog.AttestationTimeout,
		OpC2D:         catalog.C2DTimeout,
		OpGeneric:     catalog.OperationTimeout,
	}
	for typ, code := range cases {
		limit := 50 * time.Millisecond
		res := Execute(context.Background(), m, sleepOp(time.Second, "late"), typ, limit, "job-1")
		require.False(res.Success)
		require.True(res.TimedOut)
		require.True(res.Cancelled)
		require.Equal(code, res.Err.Code)
		require.True(res.Err.IsTimeout())
		require.GreaterOrEqual(res.Duration, limit)
		require.Less(res.Duration, 500*time.Millisecond)
	}
	require.Empty(m.Active())
}

func TestExecuteSignalsCancellationOnTimeout(t *testing.T) {
	m := newTestManager()
	observed := make(chan error, 1)
	res := Execute(context.Background(), m, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		observed <- context.Cause(ctx)
		return 0, ctx.Err()
	}, OpGeneric, 20*time.Millisecond, "")

	require.True(t, res.TimedOut)
	select {
	case cause := <-observed:
		require.ErrorIs(t, cause, ErrTimedOut)
	case <-time.After(time.Second):
		t.Fatal("operation never observed cancellation")
	}
}

func TestExecuteWrapsPlainErrors(t *testing.T) {
	m := newTestManager()
	boom := errors.New("boom")
	res := Execute(context.Background(), m, func(context.Context) (int, error) {
		return 0, boom
	}, OpGeneric, 0, "")

	require.False(t, res.Success)
	require.False(t, res.TimedOut)
	require.False(t, res.Cancelled)
	require.Equal(t, catalog.OperationFailed, res.Err.Code)
	require.ErrorIs(t, res.Err, boom)
}

func TestExecutePreservesCatalogErrors(t *testing.T) {
	m := newTestManager()
	res := Execute(context.Background(), m, func(context.Context) (int, error) {
		return 0, catalog.Build(catalog.CountryBlocked, "", nil)
	}, OpAttestation, 0, "")

	require.Equal(t, catalog.CountryBlocked, res.Err.Code)
	require.Equal(t, catalog.CategoryAuthorization, res.Err.Category)
}

func TestExecuteClassifiesParentCancellation(t *testing.T) {
	m := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := Execute(ctx, m, sleepOp(time.Second, "x"), OpGeneric, time.Second, "")

	require.False(t, res.Success)
	require.True(t, res.Cancelled)
	require.False(t, res.TimedOut)
	require.Equal(t, catalog.OperationCancelled, res.Err.Code)
}

func TestCancelOperationAndJob(t *testing.T) {
	require := require.New(t)
	m := newTestManager()

	started := make(chan struct{})
	resCh := make(chan Result[string], 1)
	go func() {
		resCh <- Execute(context.Background(), m, func(ctx context.Context) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}, OpGeneric, time.Second, "job-7")
	}()
	<-started

	active := m.Active()
	require.Len(active, 1)
	require.Equal("job-7", active[0].JobID)
	require.Equal(0, m.CancelJob("other-job", "nope"))
	require.True(m.CancelOperation(active[0].ID, "user requested"))

	res := <-resCh
	require.True(res.Cancelled)
	require.False(res.TimedOut)
	require.Empty(m.Active())
	require.False(m.CancelOperation(active[0].ID, "again"))
}

func TestCancelAllWithNothingActive(t *testing.T) {
	m := newTestManager()
	require.NotPanics(t, func() {
		require.Equal(t, 0, m.CancelAll("cleanup"))
		require.Equal(t, 0, m.CancelAll("cleanup"))
	})
	require.Empty(t, m.Active())
}

func TestDelay(t *testing.T) {
	require := require.New(t)

	start := time.Now()
	require.NoError(Delay(context.Background(), 20*time.Millisecond))
	require.GreaterOrEqual(time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Delay(ctx, time.Hour)
	require.True(catalog.HasCode(err, catalog.OperationCancelled))

	ctx, cancel = context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	start = time.Now()
	err = Delay(ctx, time.Hour)
	require.True(catalog.HasCode(err, catalog.OperationCancelled))
	require.Less(time.Since(start), time.Second)
}

func TestValidateBudgets(t *testing.T) {
	ok := Config{Job: 10 * time.Minute, Attestation: 2 * time.Minute, C2D: 7 * time.Minute, CleanupMargin: time.Minute}
	require.NoError(t, ok.Validate())

	bad := Config{Job: 5 * time.Minute, Attestation: 2 * time.Minute, C2D: 3 * time.Minute, CleanupMargin: time.Minute}
	err := bad.Validate()
	require.True(t, catalog.HasCode(err, catalog.InvalidTimeoutConfig))
}
