package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/paper-convert/internal/config"
	"github.com/yourusername/paper-convert/internal/convert"
)

const (
	taskTypeRecord = "conversion:record"
	taskTypeSweep  = "storage:sweep"
	recordQueue    = "records"
	sweepSchedule  = "@every 10m"
)

// recordStore は変換記録の保存先です。
type recordStore interface {
	Get(ctx context.Context, jobID string) (*Record, error)
	Upsert(ctx context.Context, record *Record) error
	MarkDone(ctx context.Context, jobID string, outputRef string) error
	MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error
}

// blobStore は入力と変換結果の保存先です。
type blobStore interface {
	SaveInput(ctx context.Context, ref string, data []byte) (string, error)
	SaveOutput(ctx context.Context, jobID string, data []byte) (string, error)
	Sweep(now time.Time, maxAge time.Duration) (int, error)
}

// taskEnqueuer は asynq.Client のうち Recorder が使う部分です。
type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Recorder は終端に達したジョブを Asynq 経由で非同期に永続化します。
type Recorder struct {
	client    taskEnqueuer
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	store     recordStore
	blobs     blobStore
	retention time.Duration
	logger    *zap.Logger
}

// RecordPayload は記録タスクのペイロードです。
type RecordPayload struct {
	JobID   string         `json:"jobId"`
	Engine  convert.Engine `json:"engine"`
	Success bool           `json:"success"`
	Output  string         `json:"output,omitempty"`
	Code    string         `json:"code,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// NewRecorder は Recorder を初期化します。
func NewRecorder(cfg *config.Config, store *Store, blobs blobStore, logger *zap.Logger) (*Recorder, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if blobs == nil {
		return nil, errors.New("blob store is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	recorder := newRecorder(asynq.NewClient(opt), store, blobs, cfg.RecordTTL(), logger)
	recorder.server = asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				recordQueue: 1,
			},
		},
	)
	recorder.scheduler = asynq.NewScheduler(opt, nil)
	if _, err := recorder.scheduler.Register(sweepSchedule, asynq.NewTask(taskTypeSweep, nil), asynq.Queue(recordQueue)); err != nil {
		return nil, fmt.Errorf("failed to register storage sweep: %w", err)
	}
	return recorder, nil
}

func newRecorder(client taskEnqueuer, store recordStore, blobs blobStore, retention time.Duration, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		client:    client,
		mux:       asynq.NewServeMux(),
		store:     store,
		blobs:     blobs,
		retention: retention,
		logger:    logger,
	}
	r.mux.HandleFunc(taskTypeRecord, r.handleRecordTask)
	r.mux.HandleFunc(taskTypeSweep, r.handleSweepTask)
	return r
}

// StartWorkers は Asynq サーバーとスケジューラをバックグラウンドで起動します。
func (r *Recorder) StartWorkers() {
	go func() {
		if err := r.server.Run(r.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
			r.logger.Error("asynq server stopped with error", zap.Error(err))
		}
	}()
	if err := r.scheduler.Start(); err != nil {
		r.logger.Error("asynq scheduler failed to start", zap.Error(err))
	}
}

// Shutdown はスケジューラ・サーバー・クライアントを閉じます。
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r.scheduler != nil {
		r.scheduler.Shutdown()
	}
	if r.server != nil {
		r.server.Shutdown()
	}
	return r.client.Close()
}

// Persist は入力を保存して pending の記録を作成し、結果の書き込みをタスクとして投入します。
func (r *Recorder) Persist(ctx context.Context, outcome Outcome) error {
	if outcome.JobID == "" {
		return fmt.Errorf("outcome.JobID is required")
	}
	if outcome.Result == nil {
		return fmt.Errorf("outcome.Result is nil")
	}

	if _, err := r.blobs.SaveInput(ctx, outcome.ContentRef, outcome.Content); err != nil {
		return fmt.Errorf("save input: %w", err)
	}

	record := &Record{
		JobID:              outcome.JobID,
		Engine:             outcome.Engine,
		Status:             StatusPending,
		Cached:             outcome.Result.Cached,
		Identifier:         outcome.Identifier,
		OriginalContentRef: outcome.ContentRef,
		SizeBytes:          int64(len(outcome.Content)),
		Pages:              outcome.Pages,
		DurationMs:         outcome.Duration.Milliseconds(),
	}
	if err := r.store.Upsert(ctx, record); err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}

	body, err := json.Marshal(RecordPayload{
		JobID:   outcome.JobID,
		Engine:  outcome.Engine,
		Success: outcome.Result.Success,
		Output:  outcome.Result.Output,
		Code:    outcome.Result.Code,
		Error:   outcome.Result.Error,
	})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeRecord, body, asynq.Queue(recordQueue))
	info, err := r.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
	if err != nil {
		return fmt.Errorf("enqueue record task: %w", err)
	}
	r.logger.Debug("record task enqueued", zap.String("jobId", outcome.JobID), zap.String("taskId", info.ID))
	return nil
}

// Get は変換記録を取得します。
func (r *Recorder) Get(ctx context.Context, jobID string) (*Record, error) {
	return r.store.Get(ctx, jobID)
}

func (r *Recorder) handleRecordTask(ctx context.Context, task *asynq.Task) error {
	var payload RecordPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if payload.JobID == "" {
		return fmt.Errorf("%w: missing jobId in payload", asynq.SkipRetry)
	}

	if !payload.Success {
		code := payload.Code
		if code == "" {
			code = convert.CodeWorkerExitError
		}
		return r.store.MarkFailed(ctx, payload.JobID, &ErrorInfo{
			Code:    code,
			Message: payload.Error,
		})
	}

	outputRef, err := r.blobs.SaveOutput(ctx, payload.JobID, []byte(payload.Output))
	if err != nil {
		return err
	}
	return r.store.MarkDone(ctx, payload.JobID, outputRef)
}

func (r *Recorder) handleSweepTask(ctx context.Context, _ *asynq.Task) error {
	removed, err := r.blobs.Sweep(time.Now(), r.retention)
	if err != nil {
		return err
	}
	if removed > 0 {
		r.logger.Info("storage sweep removed stale entries", zap.Int("removed", removed))
	}
	return nil
}
