package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/config"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

type jobsAggregatesStub struct {
	runCalled         bool
	prisonsCalled     bool
	recalculateCalled bool
	runErr            error
	deadlineOnRecalc  bool
}

func (s *jobsAggregatesStub) Run(ctx context.Context) (AggregateRunStats, error) {
	s.runCalled = true
	return AggregateRunStats{CreditsCounted: 3}, s.runErr
}

func (s *jobsAggregatesStub) UpdateCurrentPrisons(ctx context.Context) (int64, error) {
	s.prisonsCalled = true
	return 2, nil
}

func (s *jobsAggregatesStub) RecalculateAllTotals(ctx context.Context) (map[domain.ProfileKind]int64, error) {
	s.recalculateCalled = true
	_, s.deadlineOnRecalc = ctx.Deadline()
	return map[domain.ProfileKind]int64{domain.ProfileKindSender: 1}, nil
}

type heldJobLock struct{}

func (heldJobLock) TryAcquire(ctx context.Context, job string, ttl time.Duration) (func(), error) {
	return nil, nil
}

func newTestJobs(aggregates AggregateJobs, lock JobLock) *Jobs {
	return NewJobs(aggregates, lock, zap.NewNop(), config.Config{JobLockTTLSeconds: 60})
}

func TestJobsRun_DispatchesByName(t *testing.T) {
	aggregates := &jobsAggregatesStub{}
	jobs := newTestJobs(aggregates, NewLocalJobLock())

	for _, name := range []string{JobUpdateAggregates, JobUpdateCurrentPrisons, JobRecalculateTotals} {
		if err := jobs.Run(context.Background(), name); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	if !aggregates.runCalled || !aggregates.prisonsCalled || !aggregates.recalculateCalled {
		t.Fatalf("expected every job to run, got %+v", aggregates)
	}
	if !aggregates.deadlineOnRecalc {
		t.Fatal("expected jobs to run under the lock ttl deadline")
	}
}

func TestJobsRun_UnknownJob(t *testing.T) {
	jobs := newTestJobs(&jobsAggregatesStub{}, NewLocalJobLock())
	if err := jobs.Run(context.Background(), "rebuild-everything"); err == nil {
		t.Fatal("expected an error for an unknown job")
	}
	if KnownJob("rebuild-everything") || !KnownJob(JobRecalculateTotals) {
		t.Fatal("unexpected KnownJob result")
	}
}

func TestJobsRun_SkipsWhenLockHeld(t *testing.T) {
	aggregates := &jobsAggregatesStub{}
	jobs := newTestJobs(aggregates, heldJobLock{})

	if err := jobs.Run(context.Background(), JobUpdateAggregates); !errors.Is(err, ErrJobLocked) {
		t.Fatalf("expected ErrJobLocked, got %v", err)
	}
	if aggregates.runCalled {
		t.Fatal("did not expect the job to run without the lock")
	}

	// The cron entry point logs and swallows the skip.
	jobs.UpdateAggregates()
}

func TestJobsRun_ReturnsJobError(t *testing.T) {
	aggregates := &jobsAggregatesStub{runErr: errors.New("count failed")}
	jobs := newTestJobs(aggregates, NewLocalJobLock())

	if err := jobs.Run(context.Background(), JobUpdateAggregates); err == nil || err.Error() != "count failed" {
		t.Fatalf("expected job error, got %v", err)
	}
	// The lock is released after a failure.
	aggregates.runErr = nil
	if err := jobs.Run(context.Background(), JobUpdateAggregates); err != nil {
		t.Fatalf("expected second run to take the lock, got %v", err)
	}
}

func TestLocalJobLock(t *testing.T) {
	lock := NewLocalJobLock()
	ctx := context.Background()

	release, err := lock.TryAcquire(ctx, JobUpdateAggregates, time.Minute)
	if err != nil || release == nil {
		t.Fatalf("expected to take the lock, got %v", err)
	}
	again, _ := lock.TryAcquire(ctx, JobUpdateAggregates, time.Minute)
	if again != nil {
		t.Fatal("expected the held lock to be refused")
	}
	other, _ := lock.TryAcquire(ctx, JobRecalculateTotals, time.Minute)
	if other == nil {
		t.Fatal("expected different jobs to lock independently")
	}
	other()

	release()
	release, _ = lock.TryAcquire(ctx, JobUpdateAggregates, time.Minute)
	if release == nil {
		t.Fatal("expected the released lock to be available")
	}
	release()
}
