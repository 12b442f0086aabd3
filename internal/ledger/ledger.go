// Package ledger implements the per-plan budget ledger: a serialized
// reserve/commit/release account that enforces the plan's spending ceiling
// across concurrently executing tasks.
//
// The in-memory ledger is authoritative for the budget invariant
// (committed + reserved never exceeds the limit unless the plan opted into
// an override). Entries are mirrored to the store as a durable audit trail;
// a mirror failure is logged, never surfaced, so persistence hiccups cannot
// fail a plan.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mospit/bruno-ai-sub000/internal/store"
	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

// ExceededError is returned by Reserve when the requested amount would
// breach the plan's remaining budget.
type ExceededError struct {
	TaskID    string
	Requested float64
	Available float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for task %s: requested %.2f, available %.2f",
		e.TaskID, e.Requested, e.Available)
}

// Ledger tracks one plan's budget. All mutations serialize on a single
// mutex: under concurrent reservations racing for the last slice of budget,
// admission is first-come-first-served and never over-admits.
type Ledger struct {
	mu sync.Mutex

	planID   string
	limit    float64
	override bool

	committed float64
	reserved  float64
	// reservations holds each task's outstanding hold until commit/release.
	reservations map[string]float64
	history      []models.LedgerEntry

	recorder store.LedgerStore // optional durable mirror
	// mirror feeds a single worker goroutine so the durable trail preserves
	// the in-memory history's order.
	mirror     chan models.LedgerEntry
	mirrorDone chan struct{}
}

// New creates a ledger for one plan. recorder may be nil.
func New(planID string, limit float64, override bool, recorder store.LedgerStore) *Ledger {
	l := &Ledger{
		planID:       planID,
		limit:        limit,
		override:     override,
		reservations: make(map[string]float64),
		recorder:     recorder,
	}
	if recorder != nil {
		l.mirror = make(chan models.LedgerEntry, 256)
		l.mirrorDone = make(chan struct{})
		go l.mirrorLoop(l.mirror)
	}
	return l
}

// Close drains queued mirror entries and stops the worker. No-op without a
// recorder, idempotent otherwise. The ledger's accessors remain usable
// after Close; only new entries stop mirroring.
func (l *Ledger) Close() {
	l.mu.Lock()
	ch := l.mirror
	l.mirror = nil
	l.mu.Unlock()

	if ch == nil {
		return
	}
	close(ch)
	<-l.mirrorDone
}

// mirrorLoop persists entries one at a time, in the order they were
// recorded. Failures are logged and skipped: the in-memory ledger stays
// authoritative for the budget invariant.
func (l *Ledger) mirrorLoop(entries <-chan models.LedgerEntry) {
	defer close(l.mirrorDone)
	for entry := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.recorder.AppendLedgerEntry(ctx, &entry); err != nil {
			log.Warn().Err(err).
				Str("plan_id", entry.PlanID).
				Str("task_id", entry.TaskID).
				Msg("failed to mirror ledger entry")
		}
		cancel()
	}
}

// Reserve places a hold on the budget before a task is dispatched.
// Negative amounts are rejected; a zero amount is a valid no-cost hold.
func (l *Ledger) Reserve(taskID string, amount float64) error {
	if amount < 0 {
		return fmt.Errorf("reserve amount must be non-negative, got %.2f", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.override {
		available := l.limit - l.committed - l.reserved
		if amount > available {
			return &ExceededError{TaskID: taskID, Requested: amount, Available: available}
		}
	}

	l.reserved += amount
	l.reservations[taskID] += amount
	l.record(taskID, amount, models.LedgerReserve)
	return nil
}

// Commit converts a task's hold into spend at the actual amount, which may
// differ from the reservation; the unused remainder returns to the pool.
// With override enabled the actual may exceed the hold.
func (l *Ledger) Commit(taskID string, actual float64) error {
	if actual < 0 {
		return fmt.Errorf("commit amount must be non-negative, got %.2f", actual)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.reservations[taskID]
	if !ok {
		return fmt.Errorf("no reservation for task %s", taskID)
	}

	if !l.override && actual > held {
		extra := actual - held
		available := l.limit - l.committed - l.reserved
		if extra > available {
			return &ExceededError{TaskID: taskID, Requested: extra, Available: available}
		}
	}

	delete(l.reservations, taskID)
	l.reserved -= held
	l.committed += actual
	l.record(taskID, actual, models.LedgerCommit)
	return nil
}

// Release returns a task's entire hold to the pool, e.g. when the task
// failed or was skipped after reservation. Releasing a task with no hold is
// a no-op.
func (l *Ledger) Release(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.reservations[taskID]
	if !ok {
		return
	}
	delete(l.reservations, taskID)
	l.reserved -= held
	l.record(taskID, held, models.LedgerRelease)
}

// Committed returns the total spend so far.
func (l *Ledger) Committed() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// Reserved returns the sum of outstanding holds.
func (l *Ledger) Reserved() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

// Remaining returns the budget still admissible for new reservations.
func (l *Ledger) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit - l.committed - l.reserved
}

// History returns a copy of the ledger's entries in order.
func (l *Ledger) History() []models.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.LedgerEntry, len(l.history))
	copy(out, l.history)
	return out
}

// record must be called with l.mu held.
func (l *Ledger) record(taskID string, amount float64, kind models.LedgerEntryKind) {
	entry := models.LedgerEntry{
		PlanID:    l.planID,
		TaskID:    taskID,
		Amount:    amount,
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
	l.history = append(l.history, entry)

	if l.mirror != nil {
		// Hand off asynchronously; the ledger mutex must not wait on I/O.
		// A full queue drops the entry rather than stall a reservation.
		select {
		case l.mirror <- entry:
		default:
			log.Warn().
				Str("plan_id", entry.PlanID).
				Str("task_id", entry.TaskID).
				Msg("ledger mirror queue full, entry dropped")
		}
	}
}
