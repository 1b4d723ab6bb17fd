package effectiveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/HanTheDev/tutor-chat-gateway/internal/logging"
)

const evaluationTimeout = 10 * time.Second

// Evaluator is satisfied by *Classifier.
type Evaluator interface {
	Evaluate(ctx context.Context, conversationID string) bool
}

// Worker evaluates conversations off the chat path. A conversation already
// waiting in the queue is not queued twice.
type Worker struct {
	eval    Evaluator
	workers int
	queue   chan string
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
}

func NewWorker(eval Evaluator, workers, queueSize int, logger *slog.Logger) *Worker {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Worker{
		eval:    eval,
		workers: workers,
		queue:   make(chan string, queueSize),
		logger:  logger,
		pending: make(map[string]bool),
	}
}

// Enqueue schedules an evaluation without blocking. It reports false when
// the queue is full and the request was dropped.
func (w *Worker) Enqueue(conversationID string) bool {
	if conversationID == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[conversationID] {
		return true
	}
	select {
	case w.queue <- conversationID:
		w.pending[conversationID] = true
		return true
	default:
		w.logger.Warn("evaluation queue full, dropping", slog.String("conversation", conversationID))
		return false
	}
}

// Run processes the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-w.queue:
					w.mu.Lock()
					delete(w.pending, id)
					w.mu.Unlock()
					w.process(ctx, id)
				}
			}
		})
	}
	err := g.Wait()
	w.logger.Info("evaluation worker stopped", slog.Int("unprocessed", len(w.queue)))
	return err
}

func (w *Worker) process(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, evaluationTimeout)
	defer cancel()
	w.eval.Evaluate(ctx, id)
}
