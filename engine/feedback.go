package engine

import (
	"context"
	"fmt"

	"github.com/c360studio/reviewd/postgres"
	"github.com/c360studio/reviewd/taskinfo"
)

// SubmitFeedback records a user's verdict on one finding of a job,
// joined with the revision metadata and patch body captured at init.
func (e *Engine) SubmitFeedback(ctx context.Context, jobID string, verdict postgres.Feedback,
	project, file string, line int, rule string) error {
	if e.store == nil {
		return fmt.Errorf("feedback persistence is disabled")
	}
	if !verdict.Valid() {
		return fmt.Errorf("invalid feedback value %d", verdict)
	}

	bundle, err := e.taskInfo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if bundle == nil {
		return fmt.Errorf("no task info for job %s", jobID)
	}

	patchName, ok := bundle[rule]
	if !ok {
		return fmt.Errorf("job %s reviewed no rule named %q", jobID, rule)
	}

	err = e.store.SavePatchIfAbsent(ctx, &postgres.Patch{
		ID:      patchName,
		Content: bundle[taskinfo.PatchContentKey(patchName)],
		Context: bundle[taskinfo.PatchContextKey(patchName)],
	})
	if err != nil {
		return err
	}

	return e.store.SaveUserFeedback(ctx, &postgres.UserFeedback{
		RevRules:    bundle[taskinfo.RulesRevisionKey()],
		RevDevagent: bundle[taskinfo.DevagentRevisionKey()],
		Project:     project,
		RevProject:  bundle[taskinfo.ProjectRevisionKey(project)],
		Patch:       patchName,
		Rule:        rule,
		File:        file,
		Line:        line,
		Feedback:    verdict,
	})
}
