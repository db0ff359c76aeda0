package document

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

func snap(instance uuid.UUID, status Status) OperationStatusSnapshot {
	return OperationStatusSnapshot{
		OperationInstanceID: instance,
		Status:              status,
		UpdatedAt:           time.Now().UTC(),
	}
}

func TestApplySnapshotStickyFailure(t *testing.T) {
	doc := New("app", "tenant", uuid.New(), "tester")
	instance := uuid.New()

	if !doc.ApplySnapshot("ocr", snap(instance, StatusFailed)) {
		t.Fatal("first snapshot should apply")
	}
	if doc.ApplySnapshot("ocr", snap(instance, StatusCompleted)) {
		t.Fatal("completed after failed for the same instance should be refused")
	}
	if got := doc.OperationStatus["ocr"].Status; got != StatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
}

func TestApplySnapshotNewInstanceOverwritesFailure(t *testing.T) {
	doc := New("app", "tenant", uuid.New(), "tester")

	doc.ApplySnapshot("ocr", snap(uuid.New(), StatusFailed))
	rerun := uuid.New()
	if !doc.ApplySnapshot("ocr", snap(rerun, StatusCompleted)) {
		t.Fatal("a new instance should overwrite the stale failure")
	}
	got := doc.OperationStatus["ocr"]
	if got.Status != StatusCompleted || got.OperationInstanceID != rerun {
		t.Fatalf("snapshot = %+v, want COMPLETED from rerun instance", got)
	}
}

func TestApplySnapshotUnchangedRaisesNothing(t *testing.T) {
	doc := New("app", "tenant", uuid.New(), "tester")
	instance := uuid.New()

	doc.ApplySnapshot("ocr", snap(instance, StatusInProgress))
	doc.DrainEvents()

	if doc.ApplySnapshot("ocr", snap(instance, StatusInProgress)) {
		t.Fatal("identical snapshot should report unchanged")
	}
	if events := doc.DrainEvents(); len(events) != 0 {
		t.Fatalf("got %d events, want none", len(events))
	}
}

func TestApplySnapshotRaisesStateChange(t *testing.T) {
	doc := New("app", "tenant", uuid.New(), "tester")
	instance := uuid.New()

	doc.ApplySnapshot("extraction", snap(instance, StatusQueued))
	doc.ApplySnapshot("extraction", snap(instance, StatusCompleted))

	events := doc.DrainEvents()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	change, ok := events[1].(StateChangeEvent)
	if !ok {
		t.Fatalf("unexpected event type %T", events[1])
	}
	if change.Previous != StatusQueued || change.Current != StatusCompleted {
		t.Fatalf("transition %s -> %s, want QUEUED -> COMPLETED", change.Previous, change.Current)
	}
	if change.DocumentID != doc.ID {
		t.Fatalf("event document id = %s, want %s", change.DocumentID, doc.ID)
	}
}

func TestStatusPrecedenceOrdering(t *testing.T) {
	order := []Status{StatusNotStarted, StatusQueued, StatusCompleted, StatusUnknown, StatusInProgress, StatusFailed}
	for i := 1; i < len(order); i++ {
		if order[i-1].Precedence() >= order[i].Precedence() {
			t.Fatalf("%s should rank below %s", order[i-1], order[i])
		}
	}
	if Status("garbage").Precedence() != StatusUnknown.Precedence() {
		t.Fatal("unrecognized status should rank as UNKNOWN")
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestProgressTreeMeanOverDeterminableChildren(t *testing.T) {
	root := &ProgressNode{
		Name: "pipeline",
		Children: []*ProgressNode{
			{Name: "p1", Status: StatusCompleted},
			{Name: "p2", Status: StatusFailed},
			{Name: "p3", Status: StatusInProgress},
		},
	}
	root.Resolve()

	if root.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", root.Status)
	}
	if !almostEqual(root.Progress, 0.5) {
		t.Fatalf("progress = %v, want 0.5", root.Progress)
	}
}

func TestProgressTreeSkipsUndeterminableLeaves(t *testing.T) {
	root := &ProgressNode{
		Name: "pipeline",
		Children: []*ProgressNode{
			{Name: "p1", Status: StatusCompleted},
			{Name: "p2", Status: StatusCompleted, Pinned: true},
			{Name: "p3", Status: StatusNotStarted},
		},
	}
	root.Resolve()

	// Only p1 is determinable: pinned and NOT_STARTED leaves report -1.
	if !almostEqual(root.Progress, 1) {
		t.Fatalf("progress = %v, want 1", root.Progress)
	}
}

func TestProgressTreeAllUndeterminable(t *testing.T) {
	root := &ProgressNode{
		Name: "pipeline",
		Children: []*ProgressNode{
			{Name: "p1", Status: StatusQueued},
			{Name: "p2", Status: StatusNotStarted},
		},
	}
	root.Resolve()

	if !almostEqual(root.Progress, -1) {
		t.Fatalf("progress = %v, want -1", root.Progress)
	}
	if root.Status != StatusQueued {
		t.Fatalf("status = %s, want QUEUED", root.Status)
	}
}

func TestProgressTreeNested(t *testing.T) {
	root := &ProgressNode{
		Name: "pipeline",
		Children: []*ProgressNode{
			{
				Name: "ocr",
				Children: []*ProgressNode{
					{Name: "page-1", Status: StatusCompleted},
					{Name: "page-2", Status: StatusCompleted},
				},
			},
			{
				Name: "extraction",
				Children: []*ProgressNode{
					{Name: "page-1", Status: StatusInProgress},
					{Name: "page-2", Status: StatusNotStarted},
				},
			},
		},
	}
	root.Resolve()

	if root.Status != StatusInProgress {
		t.Fatalf("status = %s, want IN_PROGRESS", root.Status)
	}
	// ocr resolves to 1, extraction to 0.5 (only one determinable page).
	if !almostEqual(root.Progress, 0.75) {
		t.Fatalf("progress = %v, want 0.75", root.Progress)
	}
}
