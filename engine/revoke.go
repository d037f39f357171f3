package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/reviewd/broker"
)

// RevokeJob revokes a job and every task its init stage spawned.
// Terminal tasks keep their state; running ones are cancelled.
// Idempotent, and safe on ids the broker has never seen.
func (e *Engine) RevokeJob(ctx context.Context, jobID string) error {
	rec, err := e.broker.Result(jobID).Record(ctx)
	if err != nil {
		return err
	}

	if err := e.broker.Revoke(ctx, jobID, true); err != nil {
		return err
	}

	// Init finished: the fan-out exists and must be revoked too.
	if rec != nil && rec.State == broker.StateSuccess {
		var init InitResult
		if err := json.Unmarshal(rec.Result, &init); err != nil {
			return fmt.Errorf("decode init result for job %s: %w", jobID, err)
		}

		for _, id := range init.ShardIDs {
			if err := e.broker.Revoke(ctx, id, true); err != nil {
				return err
			}
		}
		if err := e.broker.Revoke(ctx, init.WrapupID, true); err != nil {
			return err
		}
	}

	e.logger.Info("review job revoked", "job_id", jobID)
	return nil
}
