package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/reviewd/broker"
	"github.com/c360studio/reviewd/config"
	"github.com/c360studio/reviewd/natsutil"
)

func newStatusEngine(t *testing.T) (*Engine, *broker.Broker, context.Context) {
	t.Helper()

	conn, err := natsutil.StartEmbedded(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	b, err := broker.New(ctx, conn.JS, broker.Options{ResultTTL: time.Hour, MaxWorkers: 4})
	require.NoError(t, err)

	e := New(config.DefaultConfig(), nil, nil, nil, b, nil, nil)
	return e, b, ctx
}

func runStatusBroker(t *testing.T, ctx context.Context, b *broker.Broker) {
	t.Helper()

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go func() {
		if err := b.Run(runCtx); err != nil {
			t.Errorf("broker run: %v", err)
		}
	}()
}

// registerSimulatedPipeline wires stub stages shaped like the real
// ones: init fans out two shards and a wrapup, shards emit findings,
// wrapup merges them.
func registerSimulatedPipeline(t *testing.T, b *broker.Broker) {
	t.Helper()

	b.Register("sim.shard", func(_ context.Context, task *broker.Task) (any, error) {
		var idx int
		if err := json.Unmarshal(task.Args, &idx); err != nil {
			return nil, err
		}
		return []ReviewPatchResult{{
			Project: "p1",
			Result: &Review{Violations: []Violation{
				{File: fmt.Sprintf("dir1/file%d", idx), Rule: "rule1"},
			}},
		}}, nil
	})

	b.Register("sim.wrapup", func(_ context.Context, task *broker.Task) (any, error) {
		var payload broker.ChordPayload
		if err := json.Unmarshal(task.Args, &payload); err != nil {
			return nil, err
		}
		var shards [][]ReviewPatchResult
		for _, raw := range payload.Group {
			var shard []ReviewPatchResult
			if err := json.Unmarshal(raw, &shard); err != nil {
				return nil, err
			}
			shards = append(shards, shard)
		}
		return ProcessReviewResult(shards)
	})

	b.Register("sim.init", func(ctx context.Context, task *broker.Task) (any, error) {
		group := []broker.Signature{
			{Stage: "sim.shard", Args: json.RawMessage("0")},
			{Stage: "sim.shard", Args: json.RawMessage("1")},
		}
		shardIDs, wrapupID, err := b.EnqueueChord(ctx, group, broker.Signature{Stage: "sim.wrapup"})
		if err != nil {
			return nil, err
		}
		return &InitResult{NumTasks: 2, ShardIDs: shardIDs, WrapupID: wrapupID}, nil
	})
}

func waitForJobStatus(t *testing.T, ctx context.Context, e *Engine, jobID string, want JobStatus) json.RawMessage {
	t.Helper()

	var result json.RawMessage
	require.Eventually(t, func() bool {
		status, res, err := e.Status(ctx, jobID)
		if err != nil {
			return false
		}
		result = res
		return status == want
	}, 15*time.Second, 50*time.Millisecond, "job %s never reached %s", jobID, want)
	return result
}

func TestStatusPendingWhileNothingRan(t *testing.T) {
	e, b, ctx := newStatusEngine(t)
	registerSimulatedPipeline(t, b)
	// No worker running: the init task stays queued.

	r, err := b.Enqueue(ctx, broker.Signature{Stage: "sim.init"})
	require.NoError(t, err)

	status, result, err := e.Status(ctx, r.ID())
	require.NoError(t, err)
	assert.Equal(t, JobPending, status)
	assert.Nil(t, result)
}

func TestStatusUnknownJobIsPending(t *testing.T) {
	e, _, ctx := newStatusEngine(t)

	status, _, err := e.Status(ctx, "never-submitted")
	require.NoError(t, err)
	assert.Equal(t, JobPending, status)
}

func TestStatusFailedInit(t *testing.T) {
	e, b, ctx := newStatusEngine(t)
	b.Register("sim.init", func(context.Context, *broker.Task) (any, error) {
		return nil, fmt.Errorf("rules manifest broken")
	})
	runStatusBroker(t, ctx, b)

	r, err := b.Enqueue(ctx, broker.Signature{Stage: "sim.init"})
	require.NoError(t, err)

	result := waitForJobStatus(t, ctx, e, r.ID(), JobFailed)
	var msg string
	require.NoError(t, json.Unmarshal(result, &msg))
	assert.Contains(t, msg, "rules manifest broken")
}

func TestStatusSuccessfulJobCarriesMergedResult(t *testing.T) {
	e, b, ctx := newStatusEngine(t)
	registerSimulatedPipeline(t, b)
	runStatusBroker(t, ctx, b)

	r, err := b.Enqueue(ctx, broker.Signature{Stage: "sim.init"})
	require.NoError(t, err)

	result := waitForJobStatus(t, ctx, e, r.ID(), JobSuccessful)

	var processed ProcessedReview
	require.NoError(t, json.Unmarshal(result, &processed))
	assert.Len(t, processed.Results["p1"], 2)
	assert.Empty(t, processed.Errors)
}

func TestStatusRevokedBeforeInit(t *testing.T) {
	e, b, ctx := newStatusEngine(t)
	registerSimulatedPipeline(t, b)
	// No worker: revoke lands while the job is still queued.

	r, err := b.Enqueue(ctx, broker.Signature{Stage: "sim.init"})
	require.NoError(t, err)

	require.NoError(t, e.RevokeJob(ctx, r.ID()))

	status, _, err := e.Status(ctx, r.ID())
	require.NoError(t, err)
	assert.Equal(t, JobRevoked, status)
}

func TestRevokeJobCancelsFanOut(t *testing.T) {
	e, b, ctx := newStatusEngine(t)
	registerSimulatedPipeline(t, b)

	// Shards block until cancelled so the revoke lands mid-flight.
	started := make(chan struct{}, 2)
	b.Register("sim.shard", func(ctx context.Context, _ *broker.Task) (any, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	runStatusBroker(t, ctx, b)

	r, err := b.Enqueue(ctx, broker.Signature{Stage: "sim.init"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(15 * time.Second):
			t.Fatal("shards never started")
		}
	}

	require.NoError(t, e.RevokeJob(ctx, r.ID()))
	waitForJobStatus(t, ctx, e, r.ID(), JobRevoked)
}

func TestRevokeJobIsIdempotent(t *testing.T) {
	e, _, ctx := newStatusEngine(t)

	require.NoError(t, e.RevokeJob(ctx, "never-submitted"))
	require.NoError(t, e.RevokeJob(ctx, "never-submitted"))

	status, _, err := e.Status(ctx, "never-submitted")
	require.NoError(t, err)
	assert.Equal(t, JobRevoked, status)
}

func TestPartialResultMergesFinishedShards(t *testing.T) {
	e, b, ctx := newStatusEngine(t)
	registerSimulatedPipeline(t, b)
	runStatusBroker(t, ctx, b)

	r, err := b.Enqueue(ctx, broker.Signature{Stage: "sim.init"})
	require.NoError(t, err)
	waitForJobStatus(t, ctx, e, r.ID(), JobSuccessful)

	processed, err := e.PartialResult(ctx, r.ID())
	require.NoError(t, err)
	assert.Len(t, processed.Results["p1"], 2)
}

func TestPartialResultBeforeInitFails(t *testing.T) {
	e, _, ctx := newStatusEngine(t)

	_, err := e.PartialResult(ctx, "never-submitted")
	require.Error(t, err)
}
