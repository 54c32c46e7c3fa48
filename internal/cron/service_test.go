package cron

import (
	"context"
	"errors"
	"testing"

	"github.com/stefna/stefna-backend/pkg/logger"
)

type fakeLock struct {
	acquired bool
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.acquired {
		return false, nil
	}
	f.acquired = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error { f.acquired = false; return nil }

type testJob struct {
	name string
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

func TestServiceRunCycleRunsAllJobsEvenOnFailure(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "cron-test"})
	success := &testJob{name: "success"}
	failure := &testJob{name: "fail", err: errors.New("boom")}
	service, err := NewService(ServiceParams{
		Logger:   logg,
		Jobs:     []Job{success, nil, failure},
		Lock:     &fakeLock{},
		Interval: 0,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if len(service.jobs) != 2 {
		t.Fatalf("expected nil job skipped, got %d jobs", len(service.jobs))
	}
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if success.runs != 1 || failure.runs != 1 {
		t.Fatalf("expected each job to run once, got success=%d fail=%d", success.runs, failure.runs)
	}
}

func TestNewServiceRejectsBadJobSets(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "cron-test"})
	if _, err := NewService(ServiceParams{Logger: logg, Lock: &fakeLock{}}); err == nil {
		t.Fatalf("expected error for empty job set")
	}
	dup := []Job{&testJob{name: "stale_generations"}, &testJob{name: "stale_generations"}}
	if _, err := NewService(ServiceParams{Logger: logg, Lock: &fakeLock{}, Jobs: dup}); err == nil {
		t.Fatalf("expected error for duplicate job names")
	}
}
