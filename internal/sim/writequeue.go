package sim

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TaskType discriminates queue entries.
type TaskType string

const (
	// TaskState is a full-state snapshot. Snapshots for the same path
	// coalesce: only the latest queued one is written.
	TaskState TaskType = "STATE"
	// TaskHistory is an append-only history snapshot. Never coalesced or
	// dropped.
	TaskHistory TaskType = "HISTORY"
)

type writeTask struct {
	taskType TaskType
	path     string
	payload  []byte
	enqueued time.Time
}

// WriteQueue serialises file writes off the trading path. Writes to the
// same path are totally ordered; enqueueing never blocks the caller. Each
// write goes through a temp file and an atomic rename.
type WriteQueue struct {
	mu sync.Mutex

	tasks    []writeTask
	notify   chan struct{}
	stopped  bool
	drained  chan struct{}
	logger   zerolog.Logger
	written  int64
	coalesce int64
}

// NewWriteQueue creates and starts the queue worker.
func NewWriteQueue(logger zerolog.Logger) *WriteQueue {
	q := &WriteQueue{
		notify:  make(chan struct{}, 1),
		drained: make(chan struct{}),
		logger:  logger.With().Str("component", "write_queue").Logger(),
	}
	go q.worker()
	return q
}

// Enqueue schedules a write. A STATE task replaces any queued STATE task
// for the same path; HISTORY tasks are always appended. Returns false after
// Shutdown.
func (q *WriteQueue) Enqueue(taskType TaskType, path string, payload []byte) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}

	if taskType == TaskState {
		for i := range q.tasks {
			if q.tasks[i].taskType == TaskState && q.tasks[i].path == path {
				q.tasks[i].payload = payload
				q.tasks[i].enqueued = time.Now()
				q.coalesce++
				q.mu.Unlock()
				q.kick()
				return true
			}
		}
	}

	q.tasks = append(q.tasks, writeTask{
		taskType: taskType,
		path:     path,
		payload:  payload,
		enqueued: time.Now(),
	})
	q.mu.Unlock()
	q.kick()
	return true
}

func (q *WriteQueue) kick() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Shutdown stops accepting new tasks and waits up to timeout for the queue
// to drain. Reports whether every queued write made it to disk.
func (q *WriteQueue) Shutdown(timeout time.Duration) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return true
	}
	q.stopped = true
	q.mu.Unlock()
	q.kick()

	select {
	case <-q.drained:
		return true
	case <-time.After(timeout):
		q.mu.Lock()
		remaining := len(q.tasks)
		q.mu.Unlock()
		q.logger.Error().Int("remaining", remaining).Msg("write queue shutdown timed out")
		return false
	}
}

// GetStats returns queue statistics.
func (q *WriteQueue) GetStats() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[string]interface{}{
		"pending":   len(q.tasks),
		"written":   q.written,
		"coalesced": q.coalesce,
		"stopped":   q.stopped,
	}
}

func (q *WriteQueue) worker() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			if q.stopped {
				q.mu.Unlock()
				close(q.drained)
				return
			}
			q.mu.Unlock()
			<-q.notify
			continue
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		if err := q.write(task); err != nil {
			q.logger.Error().Err(err).Str("path", task.path).
				Str("type", string(task.taskType)).Msg("write failed")
		} else {
			q.mu.Lock()
			q.written++
			q.mu.Unlock()
		}
	}
}

func (q *WriteQueue) write(task writeTask) error {
	dir := filepath.Dir(task.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := task.path + ".tmp"
	if err := os.WriteFile(tmp, task.payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, task.path)
}
