package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/paper-convert/internal/convert"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

type fakeRecordStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]*Record)}
}

func (f *fakeRecordStore) Get(_ context.Context, jobID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeRecordStore) Upsert(_ context.Context, record *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stampRecord(record, time.Now().UTC(), time.Hour)
	copied := *record
	f.records[record.JobID] = &copied
	return nil
}

func (f *fakeRecordStore) update(jobID string, mutate func(*Record)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok {
		return ErrRecordNotFound
	}
	mutate(rec)
	return nil
}

func (f *fakeRecordStore) MarkDone(_ context.Context, jobID, outputRef string) error {
	return f.update(jobID, func(r *Record) {
		r.Status = StatusSucceeded
		r.Success = true
		r.OutputRef = outputRef
	})
}

func (f *fakeRecordStore) MarkFailed(_ context.Context, jobID string, errInfo *ErrorInfo) error {
	return f.update(jobID, func(r *Record) {
		r.Status = StatusFailed
		r.Error = errInfo
	})
}

type fakeBlobs struct {
	inputs  map[string][]byte
	outputs map[string][]byte
	swept   int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{inputs: map[string][]byte{}, outputs: map[string][]byte{}}
}

func (f *fakeBlobs) SaveInput(_ context.Context, ref string, data []byte) (string, error) {
	f.inputs[ref] = data
	return "inputs/" + ref + ".pdf", nil
}

func (f *fakeBlobs) SaveOutput(_ context.Context, jobID string, data []byte) (string, error) {
	f.outputs[jobID] = data
	return "jobs/" + jobID + "/out/result.md", nil
}

func (f *fakeBlobs) Sweep(time.Time, time.Duration) (int, error) {
	f.swept++
	return 0, nil
}

func TestPersistEnqueuesRecordTask(t *testing.T) {
	client := &fakeEnqueuer{}
	store := newFakeRecordStore()
	blobs := newFakeBlobs()
	rec := newRecorder(client, store, blobs, time.Hour, nil)

	err := rec.Persist(context.Background(), Outcome{
		JobID:      "job-1",
		Engine:     convert.EngineMarkItDown,
		Identifier: "user:alice",
		ContentRef: "digest",
		Content:    []byte("%PDF-1.4"),
		Pages:      2,
		Result:     &convert.Result{Success: true, Output: "# Title", Engine: convert.EngineMarkItDown},
		Duration:   1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Persist returned error: %v", err)
	}

	if string(blobs.inputs["digest"]) != "%PDF-1.4" {
		t.Fatalf("input not saved under its content ref: %v", blobs.inputs)
	}
	record, _ := store.Get(context.Background(), "job-1")
	if record == nil || record.Status != StatusPending || record.SizeBytes != 8 || record.DurationMs != 1500 {
		t.Fatalf("unexpected pending record: %+v", record)
	}
	if len(client.tasks) != 1 || client.tasks[0].Type() != taskTypeRecord {
		t.Fatalf("unexpected tasks: %+v", client.tasks)
	}

	var payload RecordPayload
	if err := json.Unmarshal(client.tasks[0].Payload(), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.JobID != "job-1" || !payload.Success || payload.Output != "# Title" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestPersistReportsEnqueueFailure(t *testing.T) {
	client := &fakeEnqueuer{err: errors.New("redis unavailable")}
	rec := newRecorder(client, newFakeRecordStore(), newFakeBlobs(), time.Hour, nil)

	err := rec.Persist(context.Background(), Outcome{
		JobID:  "job-2",
		Result: &convert.Result{Success: false, Error: "boom"},
	})
	if err == nil {
		t.Fatal("expected enqueue error")
	}
}

func TestHandleRecordTaskWritesOutput(t *testing.T) {
	store := newFakeRecordStore()
	blobs := newFakeBlobs()
	rec := newRecorder(&fakeEnqueuer{}, store, blobs, time.Hour, nil)
	ctx := context.Background()

	_ = store.Upsert(ctx, &Record{JobID: "job-3", Status: StatusPending})
	body, _ := json.Marshal(RecordPayload{JobID: "job-3", Engine: convert.EngineMinerU, Success: true, Output: "text"})
	if err := rec.handleRecordTask(ctx, asynq.NewTask(taskTypeRecord, body)); err != nil {
		t.Fatalf("handleRecordTask: %v", err)
	}

	record, _ := store.Get(ctx, "job-3")
	if record.Status != StatusSucceeded || record.OutputRef != "jobs/job-3/out/result.md" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if string(blobs.outputs["job-3"]) != "text" {
		t.Fatalf("output not written: %v", blobs.outputs)
	}
}

func TestHandleRecordTaskMarksFailure(t *testing.T) {
	store := newFakeRecordStore()
	blobs := newFakeBlobs()
	rec := newRecorder(&fakeEnqueuer{}, store, blobs, time.Hour, nil)
	ctx := context.Background()

	_ = store.Upsert(ctx, &Record{JobID: "job-4", Status: StatusPending})
	body, _ := json.Marshal(RecordPayload{JobID: "job-4", Success: false, Code: convert.CodeWorkerTimeout, Error: "conversion timed out after 60s"})
	if err := rec.handleRecordTask(ctx, asynq.NewTask(taskTypeRecord, body)); err != nil {
		t.Fatalf("handleRecordTask: %v", err)
	}

	record, _ := store.Get(ctx, "job-4")
	if record.Status != StatusFailed || record.Error == nil || record.Error.Code != convert.CodeWorkerTimeout {
		t.Fatalf("unexpected record: %+v", record)
	}
	if len(blobs.outputs) != 0 {
		t.Fatal("failed conversions should not write output")
	}
}

func TestHandleRecordTaskSkipsRetryOnBadPayload(t *testing.T) {
	rec := newRecorder(&fakeEnqueuer{}, newFakeRecordStore(), newFakeBlobs(), time.Hour, nil)

	err := rec.handleRecordTask(context.Background(), asynq.NewTask(taskTypeRecord, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestHandleSweepTask(t *testing.T) {
	blobs := newFakeBlobs()
	rec := newRecorder(&fakeEnqueuer{}, newFakeRecordStore(), blobs, time.Hour, nil)

	if err := rec.handleSweepTask(context.Background(), asynq.NewTask(taskTypeSweep, nil)); err != nil {
		t.Fatalf("handleSweepTask: %v", err)
	}
	if blobs.swept != 1 {
		t.Fatalf("sweep not called: %d", blobs.swept)
	}
}

func TestStampRecord(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	record := &Record{JobID: "job-5"}
	stampRecord(record, now, 24*time.Hour)

	if !record.CreatedAt.Equal(now) || !record.ExpiresAt.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("unexpected timestamps: %+v", record)
	}

	later := now.Add(time.Minute)
	stampRecord(record, later, 24*time.Hour)
	if !record.CreatedAt.Equal(now) || !record.UpdatedAt.Equal(later) {
		t.Fatalf("created time should be preserved: %+v", record)
	}
}

func TestRecordKey(t *testing.T) {
	if got := recordKey("abc"); got != "conversion:abc" {
		t.Fatalf("recordKey = %q", got)
	}
}
