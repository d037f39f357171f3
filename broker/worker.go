package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ConsumerName is the durable consumer shared by worker processes.
const ConsumerName = "reviewd-workers"

// Task is the unit of work handed to a stage handler.
type Task struct {
	ID    string
	Stage string
	Args  json.RawMessage
}

// Handler executes one task and returns its JSON-serialisable result.
type Handler func(ctx context.Context, task *Task) (any, error)

// Register binds a handler to a stage name. Must be called before Run.
func (b *Broker) Register(stage string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[stage] = handler
}

// Run consumes tasks until ctx is cancelled, executing up to
// maxWorkers concurrently. Blocks.
func (b *Broker) Run(ctx context.Context) error {
	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		FilterSubject: subjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Minute, // review subprocesses can run long
		MaxDeliver:    2,
	})
	if err != nil {
		return fmt.Errorf("create worker consumer: %w", err)
	}

	sem := make(chan struct{}, b.maxWorkers)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		default:
		}

		msgs, err := consumer.Fetch(b.maxWorkers, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			b.logger.Debug("fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				if err := msg.Nak(); err != nil {
					b.logger.Warn("failed to NAK message during shutdown", "error", err)
				}
				wg.Wait()
				return nil
			}

			wg.Add(1)
			go func(msg jetstream.Msg) {
				defer wg.Done()
				defer func() { <-sem }()
				b.handleMessage(ctx, msg)
			}(msg)
		}
	}
}

func (b *Broker) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		b.logger.Error("dropping undecodable task envelope", "error", err)
		b.ack(msg)
		return
	}

	logger := b.logger.With("task_id", env.TaskID, "stage", env.Stage)

	rec, _, err := b.getRecord(ctx, env.TaskID)
	if err != nil {
		logger.Error("failed to load task record", "error", err)
		b.ack(msg)
		return
	}
	if rec != nil && rec.State == StateRevoked {
		logger.Info("skipping revoked task")
		b.finishChordMember(ctx, env, logger)
		b.ack(msg)
		return
	}

	rec, err = b.transition(ctx, env.TaskID, func(r *Record) bool {
		r.State = StateStarted
		return true
	})
	if err != nil || rec == nil || rec.State != StateStarted {
		// Revoked between the check and the claim, or record expired.
		b.finishChordMember(ctx, env, logger)
		b.ack(msg)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.running[env.TaskID] = cancel
	handler := b.handlers[env.Stage]
	b.mu.Unlock()

	defer func() {
		cancel()
		b.mu.Lock()
		delete(b.running, env.TaskID)
		b.mu.Unlock()
	}()

	started := time.Now()
	var result any
	if handler == nil {
		err = fmt.Errorf("no handler registered for stage %q", env.Stage)
	} else {
		result, err = handler(runCtx, &Task{ID: env.TaskID, Stage: env.Stage, Args: env.Args})
	}
	taskDuration.WithLabelValues(env.Stage).Observe(time.Since(started).Seconds())

	final := b.recordOutcome(ctx, env, result, err, logger)
	tasksCompleted.WithLabelValues(env.Stage, string(final)).Inc()

	b.finishChordMember(ctx, env, logger)
	b.ack(msg)
}

// recordOutcome stores the task's terminal state. A revocation that
// landed mid-run wins over the handler's outcome.
func (b *Broker) recordOutcome(ctx context.Context, env envelope, result any, taskErr error, logger *slog.Logger) State {
	if taskErr != nil {
		rec, err := b.transition(ctx, env.TaskID, func(r *Record) bool {
			r.State = StateFailure
			r.Error = fmt.Sprintf("%s failed: %v", env.Stage, taskErr)
			return true
		})
		if err != nil {
			logger.Error("failed to record task failure", "error", err)
		}
		if rec != nil {
			return rec.State
		}
		return StateFailure
	}

	raw, err := json.Marshal(result)
	if err != nil {
		rec, terr := b.transition(ctx, env.TaskID, func(r *Record) bool {
			r.State = StateFailure
			r.Error = fmt.Sprintf("%s result not serialisable: %v", env.Stage, err)
			return true
		})
		if terr != nil {
			logger.Error("failed to record task failure", "error", terr)
		}
		if rec != nil {
			return rec.State
		}
		return StateFailure
	}

	rec, err := b.transition(ctx, env.TaskID, func(r *Record) bool {
		r.State = StateSuccess
		r.Result = raw
		return true
	})
	if err != nil {
		logger.Error("failed to record task success", "error", err)
	}
	if rec != nil {
		return rec.State
	}
	return StateSuccess
}

func (b *Broker) finishChordMember(ctx context.Context, env envelope, logger *slog.Logger) {
	if env.ChordID == "" {
		return
	}
	if err := b.completeChordMember(ctx, env.ChordID); err != nil {
		logger.Error("failed to complete chord member", "chord_id", env.ChordID, "error", err)
	}
}

func (b *Broker) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		b.logger.Warn("failed to ack message", "error", err)
	}
}
