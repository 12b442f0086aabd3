package ledger_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/mospit/bruno-ai-sub000/internal/ledger"
	"github.com/mospit/bruno-ai-sub000/internal/store"
	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

func TestReserveCommitRelease(t *testing.T) {
	l := ledger.New("plan-1", 100, false, nil)

	if err := l.Reserve("t1", 30); err != nil {
		t.Fatalf("Reserve(t1, 30) error = %v", err)
	}
	if err := l.Reserve("t2", 20); err != nil {
		t.Fatalf("Reserve(t2, 20) error = %v", err)
	}
	if got := l.Reserved(); got != 50 {
		t.Errorf("Reserved() = %v, want 50", got)
	}
	if got := l.Remaining(); got != 50 {
		t.Errorf("Remaining() = %v, want 50", got)
	}

	// Commit t1 at less than its hold: the remainder returns to the pool.
	if err := l.Commit("t1", 25); err != nil {
		t.Fatalf("Commit(t1, 25) error = %v", err)
	}
	if got := l.Committed(); got != 25 {
		t.Errorf("Committed() = %v, want 25", got)
	}
	if got := l.Remaining(); got != 55 {
		t.Errorf("Remaining() after under-commit = %v, want 55", got)
	}

	l.Release("t2")
	if got := l.Reserved(); got != 0 {
		t.Errorf("Reserved() after release = %v, want 0", got)
	}
	if got := l.Remaining(); got != 75 {
		t.Errorf("Remaining() = %v, want 75", got)
	}
}

func TestReserveRejectsOverBudget(t *testing.T) {
	l := ledger.New("plan-1", 50, false, nil)

	if err := l.Reserve("t1", 40); err != nil {
		t.Fatalf("Reserve(t1, 40) error = %v", err)
	}

	err := l.Reserve("t2", 20)
	var ex *ledger.ExceededError
	if !errors.As(err, &ex) {
		t.Fatalf("Reserve() error = %v, want *ExceededError", err)
	}
	if ex.Requested != 20 || ex.Available != 10 {
		t.Errorf("ExceededError = {Requested: %v, Available: %v}, want {20, 10}", ex.Requested, ex.Available)
	}
}

func TestOverrideDisablesCeiling(t *testing.T) {
	l := ledger.New("plan-1", 10, true, nil)

	if err := l.Reserve("t1", 500); err != nil {
		t.Errorf("Reserve() with override error = %v, want nil", err)
	}
	if err := l.Commit("t1", 600); err != nil {
		t.Errorf("Commit() with override error = %v, want nil", err)
	}
}

func TestCommitAboveHoldChecksRemainder(t *testing.T) {
	l := ledger.New("plan-1", 50, false, nil)

	l.Reserve("t1", 30)
	// Actual cost came in above the hold but within the remaining budget.
	if err := l.Commit("t1", 45); err != nil {
		t.Fatalf("Commit(t1, 45) error = %v", err)
	}

	l2 := ledger.New("plan-2", 50, false, nil)
	l2.Reserve("t1", 30)
	err := l2.Commit("t1", 60)
	var ex *ledger.ExceededError
	if !errors.As(err, &ex) {
		t.Fatalf("Commit() over budget error = %v, want *ExceededError", err)
	}
}

func TestCommitWithoutReservation(t *testing.T) {
	l := ledger.New("plan-1", 100, false, nil)

	if err := l.Commit("ghost", 10); err == nil {
		t.Error("Commit() without reservation should error")
	}
}

func TestReleaseUnknownTaskIsNoop(t *testing.T) {
	l := ledger.New("plan-1", 100, false, nil)

	l.Release("ghost")
	if got := l.Remaining(); got != 100 {
		t.Errorf("Remaining() = %v, want 100", got)
	}
}

func TestNegativeAmountsRejected(t *testing.T) {
	l := ledger.New("plan-1", 100, false, nil)

	if err := l.Reserve("t1", -5); err == nil {
		t.Error("Reserve() with negative amount should error")
	}
	l.Reserve("t1", 5)
	if err := l.Commit("t1", -1); err == nil {
		t.Error("Commit() with negative amount should error")
	}
}

// Exactly one of N concurrent reservations racing for the last slice of
// budget may be admitted.
func TestConcurrentReservationsNeverOverAdmit(t *testing.T) {
	const workers = 32
	l := ledger.New("plan-1", 10, false, nil)

	var wg sync.WaitGroup
	admitted := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			taskID := "t" + string(rune('a'+i%26)) + string(rune('0'+i/26))
			if err := l.Reserve(taskID, 8); err == nil {
				admitted <- taskID
			}
		}(i)
	}
	wg.Wait()
	close(admitted)

	var winners []string
	for id := range admitted {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Fatalf("%d reservations admitted, want exactly 1", len(winners))
	}
	if got := l.Reserved(); got != 8 {
		t.Errorf("Reserved() = %v, want 8", got)
	}
}

func TestConcurrentBudgetInvariant(t *testing.T) {
	const limit = 100.0
	l := ledger.New("plan-1", limit, false, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			taskID := "task-" + string(rune('a'+i))
			if err := l.Reserve(taskID, 15); err != nil {
				return
			}
			if i%3 == 0 {
				l.Release(taskID)
			} else {
				l.Commit(taskID, 12)
			}
		}(i)
	}
	wg.Wait()

	total := l.Committed() + l.Reserved()
	if total > limit+1e-9 {
		t.Errorf("committed+reserved = %v exceeds limit %v", total, limit)
	}
}

func TestHistoryRecordsEveryMutation(t *testing.T) {
	l := ledger.New("plan-1", 100, false, nil)

	l.Reserve("t1", 10)
	l.Commit("t1", 8)
	l.Reserve("t2", 5)
	l.Release("t2")

	h := l.History()
	if len(h) != 4 {
		t.Fatalf("History() has %d entries, want 4", len(h))
	}
	wantKinds := []models.LedgerEntryKind{
		models.LedgerReserve, models.LedgerCommit,
		models.LedgerReserve, models.LedgerRelease,
	}
	for i, want := range wantKinds {
		if h[i].Kind != want {
			t.Errorf("History()[%d].Kind = %q, want %q", i, h[i].Kind, want)
		}
		if h[i].PlanID != "plan-1" {
			t.Errorf("History()[%d].PlanID = %q, want plan-1", i, h[i].PlanID)
		}
	}
	if math.Abs(h[1].Amount-8) > 1e-9 {
		t.Errorf("commit entry amount = %v, want 8", h[1].Amount)
	}
}

// The durable mirror is asynchronous but single-file: after Close drains
// the queue, the store holds every entry in the same order as the
// in-memory history.
func TestEntriesMirroredToStoreInOrder(t *testing.T) {
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	l := ledger.New("plan-1", 1000, false, s)
	for i := 0; i < 20; i++ {
		taskID := "t" + string(rune('a'+i))
		l.Reserve(taskID, 10)
		if i%4 == 0 {
			l.Release(taskID)
		} else {
			l.Commit(taskID, 8)
		}
	}
	l.Close()

	history := l.History()
	mirrored, err := s.ListLedgerEntries(context.Background(), "plan-1")
	if err != nil {
		t.Fatalf("ListLedgerEntries() error = %v", err)
	}
	if len(mirrored) != len(history) {
		t.Fatalf("mirrored %d entries, want %d", len(mirrored), len(history))
	}
	for i := range history {
		if mirrored[i].TaskID != history[i].TaskID || mirrored[i].Kind != history[i].Kind {
			t.Fatalf("mirrored[%d] = {%s %s}, want {%s %s}",
				i, mirrored[i].TaskID, mirrored[i].Kind, history[i].TaskID, history[i].Kind)
		}
	}
}
