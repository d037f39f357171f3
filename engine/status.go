package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/reviewd/broker"
)

// JobStatus is the aggregated, externally visible state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobSuccessful JobStatus = "SUCCESSFUL"
	JobFailed     JobStatus = "FAILED"
	JobRevoked    JobStatus = "REVOKED"
)

// Status folds the states of a job's init and wrapup tasks into one
// status and, when terminal, the job's result or error. A job is
// SUCCESSFUL only once its wrapup task succeeded; anything still in
// flight reports PENDING.
func (e *Engine) Status(ctx context.Context, jobID string) (JobStatus, json.RawMessage, error) {
	rec, err := e.broker.Result(jobID).Record(ctx)
	if err != nil {
		return "", nil, err
	}

	switch {
	case rec == nil || !rec.State.Ready():
		return JobPending, nil, nil
	case rec.State == broker.StateRevoked:
		return JobRevoked, nil, nil
	case rec.State == broker.StateFailure:
		return JobFailed, errorResult(rec.Error), nil
	}

	var init InitResult
	if err := json.Unmarshal(rec.Result, &init); err != nil {
		return "", nil, fmt.Errorf("decode init result for job %s: %w", jobID, err)
	}

	wrec, err := e.broker.Result(init.WrapupID).Record(ctx)
	if err != nil {
		return "", nil, err
	}

	switch {
	case wrec == nil || !wrec.State.Ready():
		return JobPending, nil, nil
	case wrec.State == broker.StateRevoked:
		return JobRevoked, nil, nil
	case wrec.State == broker.StateFailure:
		return JobFailed, errorResult(wrec.Error), nil
	}

	return JobSuccessful, wrec.Result, nil
}

// PartialResult merges the results of the shards that already
// succeeded, without waiting for the wrapup. Only valid once init has
// succeeded.
func (e *Engine) PartialResult(ctx context.Context, jobID string) (*ProcessedReview, error) {
	rec, err := e.broker.Result(jobID).Record(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.State != broker.StateSuccess {
		return nil, fmt.Errorf("job %s has no planned tasks yet", jobID)
	}

	var init InitResult
	if err := json.Unmarshal(rec.Result, &init); err != nil {
		return nil, fmt.Errorf("decode init result for job %s: %w", jobID, err)
	}

	var shards [][]ReviewPatchResult
	for _, id := range init.ShardIDs {
		srec, err := e.broker.Result(id).Record(ctx)
		if err != nil {
			return nil, err
		}
		if srec == nil || srec.State != broker.StateSuccess {
			continue
		}

		var shard []ReviewPatchResult
		if err := json.Unmarshal(srec.Result, &shard); err != nil {
			return nil, fmt.Errorf("decode shard %s results: %w", id, err)
		}
		shards = append(shards, shard)
	}

	return ProcessReviewResult(shards)
}

func errorResult(msg string) json.RawMessage {
	raw, err := json.Marshal(msg)
	if err != nil {
		return json.RawMessage(`""`)
	}
	return raw
}
