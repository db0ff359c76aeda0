package operation

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recordflow/recordflow/internal/dispatch"
	"github.com/recordflow/recordflow/internal/domain/document"
	"github.com/recordflow/recordflow/internal/platform/inference"
	"github.com/recordflow/recordflow/internal/platform/taskqueue"
)

// storeRepo reads operation aggregates straight out of the shared memory
// store, so dispatched commands observe each other's committed writes.
type storeRepo struct {
	store *dispatch.MemoryStore
}

func (r *storeRepo) GetOperation(_ context.Context, id uuid.UUID) (*Operation, error) {
	if a := r.store.Get(OperationKind, id); a != nil {
		return a.(*Operation), nil
	}
	return nil, dispatch.ErrNotFound
}

func (r *storeRepo) GetOperationByDocument(_ context.Context, documentID uuid.UUID, operationType string) (*Operation, error) {
	for _, a := range r.store.All(OperationKind) {
		op := a.(*Operation)
		if op.DocumentID == documentID && op.OperationType == operationType {
			return op, nil
		}
	}
	return nil, dispatch.ErrNotFound
}

func (r *storeRepo) GetInstance(_ context.Context, id uuid.UUID) (*Instance, error) {
	if a := r.store.Get(InstanceKind, id); a != nil {
		return a.(*Instance), nil
	}
	return nil, dispatch.ErrNotFound
}

func (r *storeRepo) ListInstancesByDocument(_ context.Context, documentID uuid.UUID) ([]*Instance, error) {
	var out []*Instance
	for _, a := range r.store.All(InstanceKind) {
		inst := a.(*Instance)
		if inst.DocumentID == documentID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *storeRepo) GetCompletedLog(_ context.Context, documentID, instanceID uuid.UUID, stepID string, pageNumber int) (*InstanceLog, error) {
	for _, a := range r.store.All(LogKind) {
		l := a.(*InstanceLog)
		if l.DocumentID == documentID && l.InstanceID == instanceID &&
			l.StepID == stepID && l.PageNumber == pageNumber &&
			l.Status == document.StatusCompleted {
			return l, nil
		}
	}
	return nil, dispatch.ErrNotFound
}

func (r *storeRepo) ListLogsByInstance(_ context.Context, instanceID uuid.UUID) ([]*InstanceLog, error) {
	var out []*InstanceLog
	for _, a := range r.store.All(LogKind) {
		l := a.(*InstanceLog)
		if l.InstanceID == instanceID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type docStoreRepo struct {
	store *dispatch.MemoryStore
}

func (r *docStoreRepo) GetByID(_ context.Context, id uuid.UUID) (*document.Document, error) {
	if a := r.store.Get(document.Kind, id); a != nil {
		return a.(*document.Document), nil
	}
	return nil, dispatch.ErrNotFound
}

func (r *docStoreRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*document.Document, error) {
	var out []*document.Document
	for _, a := range r.store.All(document.Kind) {
		doc := a.(*document.Document)
		if doc.PatientID == patientID {
			out = append(out, doc)
		}
	}
	return out, nil
}

type harness struct {
	store *dispatch.MemoryStore
	queue *taskqueue.MemoryQueue
	infer *inference.StaticClient
	disp  *dispatch.Dispatcher
	svc   *Service
	repo  *storeRepo
	doc   *document.Document
}

func newHarness(t *testing.T, responses map[string]string) *harness {
	t.Helper()

	store := dispatch.NewMemoryStore()
	ledger := dispatch.NewMemoryLedger()
	factory := func() dispatch.UnitOfWork {
		return dispatch.NewMemoryUnitOfWork(store, ledger)
	}
	disp := dispatch.NewDispatcher(zerolog.Nop(), ledger, factory, nil)

	repo := &storeRepo{store: store}
	infer := inference.NewStaticClient(responses)
	queue := taskqueue.NewMemoryQueue()
	svc := NewService(zerolog.Nop(), repo, nil, infer, queue,
		NewRetryPolicy(3, 0, 0),
		QueueConfig{Location: "us-east1", TargetURL: "http://callback/orchestration/run"})
	svc.RegisterHandlers(disp)

	docSvc := document.NewService(zerolog.Nop(), &docStoreRepo{store: store})
	docSvc.RegisterHandlers(disp)

	doc := document.New("app", "tenant", uuid.New(), "tester")
	doc.FileName = "chart.pdf"
	doc.ContentType = "application/pdf"
	doc.Uploaded = true
	seed(t, store, ledger, doc)

	return &harness{store: store, queue: queue, infer: infer, disp: disp, svc: svc, repo: repo, doc: doc}
}

func seed(t *testing.T, store *dispatch.MemoryStore, ledger dispatch.Ledger, aggs ...dispatch.Aggregate) {
	t.Helper()
	uow := dispatch.NewMemoryUnitOfWork(store, ledger)
	for _, a := range aggs {
		uow.RegisterNew(a)
	}
	if err := uow.Commit(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (h *harness) command(strict bool) dispatch.CommandEnvelope {
	return dispatch.CommandEnvelope{
		Envelope: dispatch.NewEnvelope("app", "tenant", h.doc.PatientID),
		ActorID:  "tester",
		Strict:   strict,
	}
}

func (h *harness) createOperation(t *testing.T, steps []string, pages int, priority Priority) *Operation {
	t.Helper()
	err := h.disp.Dispatch(context.Background(), CreateOrUpdateOperationCommand{
		CommandEnvelope: h.command(true),
		DocumentID:      h.doc.ID,
		OperationType:   "medication_extraction",
		Steps:           steps,
		PageCount:       pages,
		Priority:        priority,
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("create operation: %v", err)
	}
	op, err := h.repo.GetOperationByDocument(context.Background(), h.doc.ID, "medication_extraction")
	if err != nil {
		t.Fatalf("load operation: %v", err)
	}
	return op
}

func (h *harness) createInstance(t *testing.T, op *Operation) *Instance {
	t.Helper()
	err := h.disp.Dispatch(context.Background(), CreateInstanceCommand{
		CommandEnvelope: h.command(true),
		OperationID:     op.ID,
	})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	instances, _ := h.repo.ListInstancesByDocument(context.Background(), h.doc.ID)
	if len(instances) == 0 {
		t.Fatal("no instance created")
	}
	return instances[len(instances)-1]
}

func (h *harness) documentSnapshot(t *testing.T) document.OperationStatusSnapshot {
	t.Helper()
	doc := h.store.Get(document.Kind, h.doc.ID).(*document.Document)
	return doc.OperationStatus["medication_extraction"]
}

func TestUpsertOperationCreateThenUpdate(t *testing.T) {
	h := newHarness(t, nil)
	op := h.createOperation(t, []string{"classify"}, 2, PriorityDefault)

	err := h.disp.Dispatch(context.Background(), CreateOrUpdateOperationCommand{
		CommandEnvelope: h.command(true),
		DocumentID:      h.doc.ID,
		OperationType:   "medication_extraction",
		Steps:           []string{"classify", "extract"},
		PageCount:       3,
		Priority:        PriorityHigh,
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("update operation: %v", err)
	}

	updated, err := h.repo.GetOperation(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("load operation: %v", err)
	}
	if len(updated.Steps) != 2 || updated.PageCount != 3 || updated.Priority != PriorityHigh {
		t.Fatalf("operation not updated in place: %+v", updated)
	}
}

func TestCreateInstanceQueuesAndSnapshots(t *testing.T) {
	h := newHarness(t, nil)
	op := h.createOperation(t, []string{"classify"}, 1, PriorityDefault)
	inst := h.createInstance(t, op)

	if inst.Status != document.StatusQueued {
		t.Fatalf("instance status = %s, want QUEUED", inst.Status)
	}
	tasks := h.queue.Created()
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	if tasks[0].Queue != QueueDefault {
		t.Fatalf("task queue = %s, want %s", tasks[0].Queue, QueueDefault)
	}
	if snap := h.documentSnapshot(t); snap.Status != document.StatusQueued {
		t.Fatalf("document snapshot = %s, want QUEUED", snap.Status)
	}
}

func TestCreateInstancePriorityNoneNotQueued(t *testing.T) {
	h := newHarness(t, nil)
	op := h.createOperation(t, []string{"classify"}, 1, PriorityNone)
	inst := h.createInstance(t, op)

	if inst.Status != document.StatusNotStarted {
		t.Fatalf("instance status = %s, want NOT_STARTED", inst.Status)
	}
	if tasks := h.queue.Created(); len(tasks) != 0 {
		t.Fatalf("got %d tasks, want none for NONE priority", len(tasks))
	}
}

func TestRunCompletesInstance(t *testing.T) {
	h := newHarness(t, map[string]string{"classify": "lab_report", "extract": "[]"})
	op := h.createOperation(t, []string{"classify", "extract"}, 2, PriorityDefault)
	inst := h.createInstance(t, op)

	if err := h.svc.Run(context.Background(), h.disp, inst.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	final, _ := h.repo.GetInstance(context.Background(), inst.ID)
	if final.Status != document.StatusCompleted {
		t.Fatalf("instance status = %s, want COMPLETED", final.Status)
	}
	if len(h.infer.Calls) != 4 {
		t.Fatalf("got %d model calls, want 4 (2 steps x 2 pages)", len(h.infer.Calls))
	}
	logs, _ := h.repo.ListLogsByInstance(context.Background(), inst.ID)
	if len(logs) != 4 {
		t.Fatalf("got %d logs, want 4", len(logs))
	}
	if snap := h.documentSnapshot(t); snap.Status != document.StatusCompleted {
		t.Fatalf("document snapshot = %s, want COMPLETED", snap.Status)
	}
}

func TestRunRecordsStepTiming(t *testing.T) {
	h := newHarness(t, map[string]string{"classify": "lab_report"})
	// Each clock read advances by a fixed step so every step execution spans
	// a measurable interval.
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.svc.now = func() time.Time {
		base = base.Add(250 * time.Millisecond)
		return base
	}
	op := h.createOperation(t, []string{"classify"}, 1, PriorityDefault)
	inst := h.createInstance(t, op)

	if err := h.svc.Run(context.Background(), h.disp, inst.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	logs, _ := h.repo.ListLogsByInstance(context.Background(), inst.ID)
	if len(logs) != 1 {
		t.Fatalf("got %d logs, want 1", len(logs))
	}
	entry := logs[0]
	if entry.StartedAt.IsZero() || entry.FinishedAt.IsZero() {
		t.Fatalf("step log timing not recorded: started=%v finished=%v", entry.StartedAt, entry.FinishedAt)
	}
	if entry.FinishedAt.Before(entry.StartedAt) {
		t.Fatalf("finished %v before started %v", entry.FinishedAt, entry.StartedAt)
	}
	if want := entry.FinishedAt.Sub(entry.StartedAt).Milliseconds(); entry.ElapsedMS != want {
		t.Fatalf("elapsed = %dms, want %dms", entry.ElapsedMS, want)
	}
	if entry.ElapsedMS == 0 {
		t.Fatal("elapsed = 0ms, want a positive interval")
	}
}

func TestRunSkipsAlreadyCompletedSteps(t *testing.T) {
	h := newHarness(t, map[string]string{"classify": "lab_report", "extract": "[]"})
	op := h.createOperation(t, []string{"classify", "extract"}, 2, PriorityDefault)
	inst := h.createInstance(t, op)

	err := h.disp.Dispatch(context.Background(), CreateInstanceLogCommand{
		CommandEnvelope: h.command(true),
		InstanceID:      inst.ID,
		StepID:          "classify",
		PageNumber:      1,
		Status:          document.StatusCompleted,
		Result:          "lab_report",
	})
	if err != nil {
		t.Fatalf("seed log: %v", err)
	}

	if err := h.svc.Run(context.Background(), h.disp, inst.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(h.infer.Calls) != 3 {
		t.Fatalf("got %d model calls, want 3 (one step page replayed from log)", len(h.infer.Calls))
	}
}

func TestDuplicateCompletedLogAbsorbed(t *testing.T) {
	h := newHarness(t, nil)
	op := h.createOperation(t, []string{"classify", "extract"}, 1, PriorityDefault)
	inst := h.createInstance(t, op)

	for i := 0; i < 2; i++ {
		err := h.disp.Dispatch(context.Background(), CreateInstanceLogCommand{
			CommandEnvelope: h.command(true),
			InstanceID:      inst.ID,
			StepID:          "classify",
			PageNumber:      1,
			Status:          document.StatusCompleted,
			Result:          "first",
		})
		if err != nil {
			t.Fatalf("dispatch log %d: %v", i, err)
		}
	}

	logs, _ := h.repo.ListLogsByInstance(context.Background(), inst.ID)
	if len(logs) != 1 {
		t.Fatalf("got %d logs, want 1 completed log per step and page", len(logs))
	}
}

func TestStepFailureFailsInstanceAndSchedulesRetry(t *testing.T) {
	// Only classify has a canned response; extract fails.
	h := newHarness(t, map[string]string{"classify": "lab_report"})
	op := h.createOperation(t, []string{"classify", "extract"}, 1, PriorityDefault)
	inst := h.createInstance(t, op)

	if err := h.svc.Run(context.Background(), h.disp, inst.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	failed, _ := h.repo.GetInstance(context.Background(), inst.ID)
	if failed.Status != document.StatusFailed {
		t.Fatalf("instance status = %s, want FAILED", failed.Status)
	}
	if failed.FailureReason == "" {
		t.Fatal("failure reason should be recorded")
	}

	instances, _ := h.repo.ListInstancesByDocument(context.Background(), h.doc.ID)
	if len(instances) != 2 {
		t.Fatalf("got %d instances, want the failed one plus its retry", len(instances))
	}
	retry := instances[1]
	if retry.Attempt != 2 || retry.Status != document.StatusQueued {
		t.Fatalf("retry instance = attempt %d status %s, want attempt 2 QUEUED", retry.Attempt, retry.Status)
	}

	tasks := h.queue.Created()
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want initial plus deferred retry", len(tasks))
	}
	if tasks[1].NotBefore == nil {
		t.Fatal("deferred retry task should carry a not-before time")
	}
}

func TestFailedSnapshotStickyUntilNewInstance(t *testing.T) {
	h := newHarness(t, map[string]string{"classify": "lab_report"})
	op := h.createOperation(t, []string{"classify", "extract"}, 1, PriorityDefault)
	inst := h.createInstance(t, op)

	if err := h.svc.Run(context.Background(), h.disp, inst.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap := h.documentSnapshot(t); snap.Status != document.StatusFailed {
		t.Fatalf("document snapshot = %s, want FAILED", snap.Status)
	}

	// A stray COMPLETED for the failed instance must not unstick the rollup.
	err := h.disp.Dispatch(context.Background(), document.UpdateStatusSnapshotCommand{
		CommandEnvelope:     h.command(true),
		DocumentID:          h.doc.ID,
		OperationType:       "medication_extraction",
		OperationInstanceID: inst.ID,
		Status:              document.StatusCompleted,
	})
	if err != nil {
		t.Fatalf("dispatch snapshot: %v", err)
	}
	if snap := h.documentSnapshot(t); snap.Status != document.StatusFailed {
		t.Fatalf("document snapshot = %s, sticky FAILED expected", snap.Status)
	}

	// The retry instance succeeding overwrites the stale failure.
	instances, _ := h.repo.ListInstancesByDocument(context.Background(), h.doc.ID)
	retry := instances[1]
	h.infer.Responses["extract"] = "[]"
	if err := h.svc.Run(context.Background(), h.disp, retry.ID); err != nil {
		t.Fatalf("run retry: %v", err)
	}
	snap := h.documentSnapshot(t)
	if snap.Status != document.StatusCompleted || snap.OperationInstanceID != retry.ID {
		t.Fatalf("document snapshot = %+v, want COMPLETED from retry instance", snap)
	}
}

func TestQueueDeferredExhaustedGivesUp(t *testing.T) {
	h := newHarness(t, nil)
	op := h.createOperation(t, []string{"classify"}, 1, PriorityDefault)

	now := time.Now().UTC()
	exhausted := &Instance{
		Root: dispatch.Root{
			ID: uuid.New(), AppID: "app", TenantID: "tenant",
			PatientID: h.doc.PatientID, CreatedAt: now, UpdatedAt: now,
		},
		DocumentID:    h.doc.ID,
		OperationID:   op.ID,
		OperationType: "medication_extraction",
		Status:        document.StatusFailed,
		Priority:      PriorityDefault,
		Attempt:       3,
		Steps:         op.Steps,
		PageCount:     1,
	}
	seed(t, h.store, dispatch.NewMemoryLedger(), exhausted)
	before := len(h.queue.Created())

	err := h.disp.Dispatch(context.Background(), QueueDeferredOrchestrationCommand{
		CommandEnvelope: h.command(true),
		InstanceID:      exhausted.ID,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := len(h.queue.Created()); got != before {
		t.Fatal("exhausted retry budget should not schedule a task")
	}
	instances, _ := h.repo.ListInstancesByDocument(context.Background(), h.doc.ID)
	if len(instances) != 1 {
		t.Fatalf("got %d instances, want no retry instance", len(instances))
	}
}

func TestUpdateInstanceTerminalRefusedStrict(t *testing.T) {
	h := newHarness(t, nil)
	op := h.createOperation(t, []string{"classify"}, 1, PriorityDefault)
	inst := h.createInstance(t, op)

	seedFailed := &Instance{}
	*seedFailed = *inst
	seedFailed.Status = document.StatusFailed
	seed(t, h.store, dispatch.NewMemoryLedger(), seedFailed)

	err := h.disp.Dispatch(context.Background(), UpdateInstanceCommand{
		CommandEnvelope: h.command(true),
		InstanceID:      inst.ID,
		Status:          document.StatusInProgress,
	})
	if err == nil {
		t.Fatal("strict transition out of a terminal status should fail")
	}
}

func TestBuildProgressTree(t *testing.T) {
	h := newHarness(t, map[string]string{"classify": "lab_report", "extract": "[]"})
	op := h.createOperation(t, []string{"classify", "extract"}, 2, PriorityDefault)
	inst := h.createInstance(t, op)

	// Complete one of the four (step, page) cells.
	err := h.disp.Dispatch(context.Background(), CreateInstanceLogCommand{
		CommandEnvelope: h.command(true),
		InstanceID:      inst.ID,
		StepID:          "classify",
		PageNumber:      1,
		Status:          document.StatusCompleted,
	})
	if err != nil {
		t.Fatalf("dispatch log: %v", err)
	}

	tree, err := h.svc.BuildProgress(context.Background(), h.doc.ID)
	if err != nil {
		t.Fatalf("build progress: %v", err)
	}
	if len(tree.Children) != 1 {
		t.Fatalf("got %d operation nodes, want 1", len(tree.Children))
	}
	opNode := tree.Children[0]
	if opNode.Name != "medication_extraction" || len(opNode.Children) != 2 {
		t.Fatalf("unexpected operation node %+v", opNode)
	}
	// One completed leaf out of one determinable; queued leaves are
	// undeterminable, so classify resolves to progress 1.
	if opNode.Children[0].Progress != 1 {
		t.Fatalf("classify progress = %v, want 1", opNode.Children[0].Progress)
	}
	// COMPLETED outranks QUEUED in the rollup ordering, so one finished
	// step is enough to surface COMPLETED at the root.
	if tree.Status != document.StatusCompleted {
		t.Fatalf("root status = %s, want COMPLETED", tree.Status)
	}
}
