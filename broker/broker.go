// Package broker is the durable task graph behind review jobs: a
// JetStream work queue for dispatch, a TTL-bounded KV bucket for task
// state and results, and chord semantics so a group of parallel tasks
// triggers a tail task on completion.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the work-queue stream carrying task dispatches.
	StreamName = "REVIEWD_TASKS"
	// RecordBucket holds one state record per task id.
	RecordBucket = "reviewd-results"

	subjectPrefix = "reviewd.tasks."
	chordPrefix   = "chord_"

	// DefaultResultTTL keeps terminal records long enough for polling.
	DefaultResultTTL = 2 * time.Hour
	// DefaultMaxWorkers bounds concurrent task execution per process.
	DefaultMaxWorkers = 12
)

// State is the lifecycle of one task.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateRevoked State = "REVOKED"
)

// Ready reports whether the task reached a terminal state.
func (s State) Ready() bool {
	return s == StateSuccess || s == StateFailure || s == StateRevoked
}

// Successful reports whether the task completed without error.
func (s State) Successful() bool { return s == StateSuccess }

// Failed reports whether the task recorded a failure.
func (s State) Failed() bool { return s == StateFailure }

// Signature names one task to run: a stage and its JSON arguments.
type Signature struct {
	ID    string          `json:"id"`
	Stage string          `json:"stage"`
	Args  json.RawMessage `json:"args"`
}

// Record is the stored state of one task.
type Record struct {
	ID        string          `json:"id"`
	Stage     string          `json:"stage"`
	State     State           `json:"state"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// envelope is the wire form of one dispatched task.
type envelope struct {
	TaskID  string          `json:"task_id"`
	Stage   string          `json:"stage"`
	Args    json.RawMessage `json:"args"`
	ChordID string          `json:"chord_id,omitempty"`
}

// ChordPayload is the argument shape delivered to a chord's tail task:
// the gathered group results in group order plus the tail's own args.
type ChordPayload struct {
	Group []json.RawMessage `json:"group"`
	Args  json.RawMessage   `json:"args"`
}

// chordState tracks an in-flight chord in the record bucket.
type chordState struct {
	ID        string    `json:"id"`
	MemberIDs []string  `json:"member_ids"`
	Tail      Signature `json:"tail"`
	Remaining int       `json:"remaining"`
}

// Options tune a Broker.
type Options struct {
	ResultTTL  time.Duration
	MaxWorkers int
	Logger     *slog.Logger
}

// Broker dispatches tasks and tracks their state.
type Broker struct {
	js      jetstream.JetStream
	stream  jetstream.Stream
	records jetstream.KeyValue
	logger  *slog.Logger

	maxWorkers int

	mu       sync.Mutex
	handlers map[string]Handler
	running  map[string]context.CancelFunc
}

// New creates the broker's stream and record bucket if absent.
func New(ctx context.Context, js jetstream.JetStream, opts Options) (*Broker, error) {
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create task stream: %w", err)
	}

	records, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      RecordBucket,
		Description: "task state and results",
		TTL:         opts.ResultTTL,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create record bucket: %w", err)
	}

	return &Broker{
		js:         js,
		stream:     stream,
		records:    records,
		logger:     opts.Logger,
		maxWorkers: opts.MaxWorkers,
		handlers:   make(map[string]Handler),
		running:    make(map[string]context.CancelFunc),
	}, nil
}

// Enqueue dispatches one task and returns a handle to its result.
func (b *Broker) Enqueue(ctx context.Context, sig Signature) (*AsyncResult, error) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}

	rec := &Record{ID: sig.ID, Stage: sig.Stage, State: StatePending, UpdatedAt: time.Now().UTC()}
	if err := b.putRecord(ctx, rec); err != nil {
		return nil, err
	}

	if err := b.publish(ctx, envelope{TaskID: sig.ID, Stage: sig.Stage, Args: sig.Args}); err != nil {
		return nil, err
	}

	tasksEnqueued.WithLabelValues(sig.Stage).Inc()
	return &AsyncResult{broker: b, id: sig.ID}, nil
}

// EnqueueChord dispatches a group of parallel tasks whose joint
// completion fires the tail task with the gathered group results. An
// empty group fires the tail immediately. Returns the member ids and
// the tail id.
func (b *Broker) EnqueueChord(ctx context.Context, group []Signature, tail Signature) ([]string, string, error) {
	if tail.ID == "" {
		tail.ID = uuid.NewString()
	}

	memberIDs := make([]string, len(group))
	for i := range group {
		if group[i].ID == "" {
			group[i].ID = uuid.NewString()
		}
		memberIDs[i] = group[i].ID
	}

	now := time.Now().UTC()
	if err := b.putRecord(ctx, &Record{ID: tail.ID, Stage: tail.Stage, State: StatePending, UpdatedAt: now}); err != nil {
		return nil, "", err
	}
	for _, sig := range group {
		if err := b.putRecord(ctx, &Record{ID: sig.ID, Stage: sig.Stage, State: StatePending, UpdatedAt: now}); err != nil {
			return nil, "", err
		}
	}

	cs := chordState{ID: tail.ID, MemberIDs: memberIDs, Tail: tail, Remaining: len(group)}
	raw, err := json.Marshal(cs)
	if err != nil {
		return nil, "", fmt.Errorf("encode chord state: %w", err)
	}
	if _, err := b.records.Put(ctx, chordPrefix+cs.ID, raw); err != nil {
		return nil, "", fmt.Errorf("store chord state: %w", err)
	}

	if len(group) == 0 {
		if err := b.fireTail(ctx, &cs); err != nil {
			return nil, "", err
		}
		return memberIDs, tail.ID, nil
	}

	for _, sig := range group {
		err := b.publish(ctx, envelope{TaskID: sig.ID, Stage: sig.Stage, Args: sig.Args, ChordID: cs.ID})
		if err != nil {
			return nil, "", err
		}
		tasksEnqueued.WithLabelValues(sig.Stage).Inc()
	}

	return memberIDs, tail.ID, nil
}

// Revoke marks a task REVOKED unless it is already terminal and, when
// terminate is set, cancels its in-process execution. Idempotent.
func (b *Broker) Revoke(ctx context.Context, taskID string, terminate bool) error {
	rec, rev, err := b.getRecord(ctx, taskID)
	if err != nil {
		return err
	}

	if rec == nil {
		// Unknown or expired id: record the revocation so later polls
		// observe it.
		rec = &Record{ID: taskID, State: StateRevoked, UpdatedAt: time.Now().UTC()}
		return b.putRecord(ctx, rec)
	}

	if !rec.State.Ready() {
		rec.State = StateRevoked
		rec.UpdatedAt = time.Now().UTC()
		if err := b.updateRecord(ctx, rec, rev); err != nil && !errors.Is(err, errStaleRecord) {
			return err
		}
	}

	if terminate {
		b.mu.Lock()
		cancel := b.running[taskID]
		b.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	return nil
}

// completeChordMember decrements the chord counter and fires the tail
// when the last member reports in. Safe under concurrent completion.
func (b *Broker) completeChordMember(ctx context.Context, chordID string) error {
	for {
		entry, err := b.records.Get(ctx, chordPrefix+chordID)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return nil // chord already resolved and expired
			}
			return fmt.Errorf("load chord %s: %w", chordID, err)
		}

		var cs chordState
		if err := json.Unmarshal(entry.Value(), &cs); err != nil {
			return fmt.Errorf("decode chord %s: %w", chordID, err)
		}
		if cs.Remaining <= 0 {
			return nil
		}

		cs.Remaining--
		raw, err := json.Marshal(cs)
		if err != nil {
			return fmt.Errorf("encode chord %s: %w", chordID, err)
		}

		if _, err := b.records.Update(ctx, chordPrefix+chordID, raw, entry.Revision()); err != nil {
			// Lost the race with another member; re-read and retry.
			continue
		}

		if cs.Remaining == 0 {
			return b.fireTail(ctx, &cs)
		}
		return nil
	}
}

// fireTail gathers group results in member order and dispatches the
// tail task. Failed or revoked members contribute null entries.
func (b *Broker) fireTail(ctx context.Context, cs *chordState) error {
	results := make([]json.RawMessage, len(cs.MemberIDs))
	for i, id := range cs.MemberIDs {
		rec, _, err := b.getRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec != nil && rec.State == StateSuccess {
			results[i] = rec.Result
		} else {
			results[i] = json.RawMessage("null")
		}
	}

	args, err := json.Marshal(ChordPayload{Group: results, Args: cs.Tail.Args})
	if err != nil {
		return fmt.Errorf("encode chord payload: %w", err)
	}

	err = b.publish(ctx, envelope{TaskID: cs.Tail.ID, Stage: cs.Tail.Stage, Args: args})
	if err != nil {
		return err
	}
	tasksEnqueued.WithLabelValues(cs.Tail.Stage).Inc()
	return nil
}

func (b *Broker) publish(ctx context.Context, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode task envelope: %w", err)
	}
	if _, err := b.js.Publish(ctx, subjectPrefix+env.Stage, raw); err != nil {
		return fmt.Errorf("publish task %s: %w", env.TaskID, err)
	}
	return nil
}

var errStaleRecord = errors.New("record changed concurrently")

func (b *Broker) putRecord(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	if _, err := b.records.Put(ctx, rec.ID, raw); err != nil {
		return fmt.Errorf("store record %s: %w", rec.ID, err)
	}
	return nil
}

func (b *Broker) updateRecord(ctx context.Context, rec *Record, revision uint64) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	if _, err := b.records.Update(ctx, rec.ID, raw, revision); err != nil {
		return fmt.Errorf("%w: %s", errStaleRecord, rec.ID)
	}
	return nil
}

func (b *Broker) getRecord(ctx context.Context, taskID string) (*Record, uint64, error) {
	entry, err := b.records.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("load record %s: %w", taskID, err)
	}

	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, 0, fmt.Errorf("decode record %s: %w", taskID, err)
	}
	return &rec, entry.Revision(), nil
}

// transition applies mutate under optimistic concurrency. Terminal
// states are never overwritten; mutate returning false aborts.
func (b *Broker) transition(ctx context.Context, taskID string, mutate func(*Record) bool) (*Record, error) {
	for {
		rec, rev, err := b.getRecord(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, nil
		}
		if rec.State.Ready() {
			return rec, nil
		}
		if !mutate(rec) {
			return rec, nil
		}
		rec.UpdatedAt = time.Now().UTC()

		err = b.updateRecord(ctx, rec, rev)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, errStaleRecord) {
			return nil, err
		}
	}
}

// AsyncResult is a handle to one task's state and result.
type AsyncResult struct {
	broker *Broker
	id     string
}

// Result returns a handle for an existing task id.
func (b *Broker) Result(taskID string) *AsyncResult {
	return &AsyncResult{broker: b, id: taskID}
}

// ID returns the task id this handle tracks.
func (r *AsyncResult) ID() string { return r.id }

// Record returns the stored record, or nil when unknown or expired.
func (r *AsyncResult) Record(ctx context.Context) (*Record, error) {
	rec, _, err := r.broker.getRecord(ctx, r.id)
	return rec, err
}

// State returns the task state; unknown tasks report PENDING.
func (r *AsyncResult) State(ctx context.Context) (State, error) {
	rec, err := r.Record(ctx)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return StatePending, nil
	}
	return rec.State, nil
}
