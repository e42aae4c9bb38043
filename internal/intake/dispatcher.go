package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"agenttrail/internal/detect"
	"agenttrail/internal/logger"
	"agenttrail/pkg/models"
)

// Recorder is the slice of the session registry the dispatcher needs.
type Recorder interface {
	RecordScan(ctx context.Context, sessionID, direction, text string) (*models.EventRecord, *models.SessionState, error)
	RecordAction(ctx context.Context, sessionID string, action models.ActionRequest) (*models.EventRecord, *models.SessionState, error)
}

// Source is the queue surface the dispatcher consumes.
type Source interface {
	Pop(ctx context.Context) ([]byte, error)
	Requeue(ctx context.Context, payload []byte) error
	DeadLetter(ctx context.Context, payload []byte) error
}

// Dispatcher drains the intake queue into the registry with a small
// worker pool. Sessions keep their ordering through the registry's
// per-session locks; the pool only adds cross-session parallelism.
type Dispatcher struct {
	queue       Source
	recorder    Recorder
	workers     int
	maxAttempts int
}

// DispatcherConfig wires the dispatcher.
type DispatcherConfig struct {
	Queue    Source
	Recorder Recorder

	// Workers is the dispatch pool size. Zero means 4.
	Workers int

	// MaxAttempts caps dispatch tries per envelope before it is moved
	// to the dead-letter list. Zero means 3.
	MaxAttempts int
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Dispatcher{
		queue:       cfg.Queue,
		recorder:    cfg.Recorder,
		workers:     workers,
		maxAttempts: maxAttempts,
	}
}

// Run consumes the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger.Infof("intake dispatcher started (workers=%d max_attempts=%d)", d.workers, d.maxAttempts)

	msgCh := make(chan []byte, d.workers*4)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.readLoop(ctx, msgCh)
		close(msgCh)
	}()

	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.workerLoop(ctx, msgCh)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) readLoop(ctx context.Context, out chan<- []byte) {
	for {
		payload, err := d.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("intake: pop queue: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if payload == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			// Undeliverable now; put it back rather than losing it.
			if err := d.queue.Requeue(context.Background(), payload); err != nil {
				logger.Errorf("intake: requeue on shutdown: %v", err)
			}
			return
		case out <- payload:
		}
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, in <-chan []byte) {
	for payload := range in {
		d.dispatch(ctx, payload)
	}
}

// dispatch routes one envelope. Parse failures and definitive
// rejections go to the dead-letter list; detection outages requeue
// until the attempt cap.
func (d *Dispatcher) dispatch(ctx context.Context, payload []byte) {
	env, err := ParseEnvelope(payload)
	if err != nil {
		logger.Warnf("intake: bad envelope: %v", err)
		d.park(ctx, payload)
		return
	}

	switch env.Kind {
	case KindScan:
		_, _, err = d.recorder.RecordScan(ctx, env.SessionID, env.Direction, env.Text)
	case KindAction:
		_, _, err = d.recorder.RecordAction(ctx, env.SessionID, *env.Action)
	}
	if err == nil {
		return
	}

	if errors.Is(err, detect.ErrUnavailable) {
		env.Attempts++
		if env.Attempts >= d.maxAttempts {
			logger.Warnf("intake: envelope %s exhausted %d attempts, dead-lettering", env.ID, env.Attempts)
			d.parkEnvelope(ctx, env, payload)
			return
		}
		logger.Warnf("intake: detection unavailable for envelope %s (attempt %d), requeueing", env.ID, env.Attempts)
		retry, merr := env.Marshal()
		if merr != nil {
			d.park(ctx, payload)
			return
		}
		if rerr := d.queue.Requeue(ctx, retry); rerr != nil {
			logger.Errorf("intake: requeue envelope %s: %v", env.ID, rerr)
			d.park(ctx, payload)
		}
		return
	}

	// SessionClosed, validation errors and the like will not succeed on
	// retry; park them so operators can see what was rejected.
	logger.Warnf("intake: envelope %s rejected: %v", env.ID, err)
	d.parkEnvelope(ctx, env, payload)
}

func (d *Dispatcher) parkEnvelope(ctx context.Context, env *Envelope, original []byte) {
	if b, err := env.Marshal(); err == nil {
		d.park(ctx, b)
		return
	}
	d.park(ctx, original)
}

func (d *Dispatcher) park(ctx context.Context, payload []byte) {
	if err := d.queue.DeadLetter(ctx, payload); err != nil {
		logger.Errorf("intake: dead-letter write failed, payload lost to the queue: %v", err)
	}
}
