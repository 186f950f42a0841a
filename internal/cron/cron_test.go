package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestStoreUpsertAssignsIDAndNextRun(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	j, err := s.Upsert(Job{Name: "nightly", Schedule: "0 0 * * *", Kind: "system_event", Enabled: true})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if j.ID == "" {
		t.Fatal("expected an assigned job ID")
	}
	if j.NextRun.IsZero() {
		t.Fatal("expected NextRun to be computed")
	}

	got, ok := s.Get(j.ID)
	if !ok || got.Name != "nightly" {
		t.Fatalf("Get(%s) = %v, %v", j.ID, got, ok)
	}
}

func TestStoreUpsertRejectsInvalidSchedule(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := s.Upsert(Job{Name: "bad", Schedule: "not a schedule"}); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
}

func TestStoreUpsertEnforcesMaxJobs(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for i := 0; i < MaxJobs; i++ {
		if _, err := s.Upsert(Job{Name: "job", Schedule: "* * * * *", Kind: "noop"}); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}
	if _, err := s.Upsert(Job{Name: "overflow", Schedule: "* * * * *", Kind: "noop"}); err == nil {
		t.Fatal("expected the registry-full error past MaxJobs")
	}
}

func TestStoreDeleteRemovesJob(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	j, _ := s.Upsert(Job{Name: "transient", Schedule: "* * * * *", Kind: "noop"})

	if err := s.Delete(j.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(j.ID); ok {
		t.Fatal("expected job to be gone after Delete")
	}
	if err := s.Delete(j.ID); err == nil {
		t.Fatal("expected Delete of an already-deleted job to fail")
	}
}

func TestSchedulerDispatchesDueJobAndRecordsRun(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	j, _ := s.Upsert(Job{Name: "due-now", Schedule: "* * * * *", Kind: "noop", Enabled: true})

	sch := NewScheduler(s, 4, 1)
	var calls int32
	sch.Register("noop", func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	sch.scanAndDispatch(context.Background(), j.NextRun.Add(time.Minute))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}

	deadline = time.Now().Add(time.Second)
	var runs []Run
	for time.Now().Before(deadline) {
		runs, _ = s.Runs(j.ID)
		if len(runs) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(runs) != 1 || runs[0].Status != "ok" {
		t.Fatalf("Runs = %+v, want one ok run", runs)
	}
}

func TestSchedulerSkipsJobWithNoHandler(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	j, _ := s.Upsert(Job{Name: "orphan", Schedule: "* * * * *", Kind: "unregistered", Enabled: true})

	sch := NewScheduler(s, 4, 1)
	sch.scanAndDispatch(context.Background(), j.NextRun.Add(time.Minute))

	time.Sleep(20 * time.Millisecond)
	runs, _ := s.Runs(j.ID)
	if len(runs) != 0 {
		t.Fatalf("expected no recorded runs for an unregistered kind, got %d", len(runs))
	}
}

func TestSchedulerRespectsPerJobConcurrencyCap(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	j, _ := s.Upsert(Job{Name: "slow", Schedule: "* * * * *", Kind: "slow", Enabled: true})

	sch := NewScheduler(s, 4, 1)
	var inFlight, maxInFlight int32
	release := make(chan struct{})
	sch.Register("slow", func(ctx context.Context, job *Job) error {
		n := atomic.AddInt32(&inFlight, 1)
		if n > atomic.LoadInt32(&maxInFlight) {
			atomic.StoreInt32(&maxInFlight, n)
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return nil
	})

	sch.dispatch(context.Background(), j)
	sch.dispatch(context.Background(), j) // should be dropped, cap is 1

	time.Sleep(20 * time.Millisecond)
	close(release)
	time.Sleep(20 * time.Millisecond)

	if atomic.LoadInt32(&maxInFlight) != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", maxInFlight)
	}
}
