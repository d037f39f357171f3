// Package taskinfo is the ephemeral per-job metadata bundle: revisions,
// patch contents and contexts, and rule-to-patch bindings, kept in a
// TTL-bounded JetStream key-value bucket.
package taskinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket is the KV bucket holding one entry per job id.
const Bucket = "reviewd-taskinfo"

// DefaultTTL bounds how long a bundle outlives its job.
const DefaultTTL = 12 * time.Hour

const (
	// TaskIDKey holds the job's own id inside the bundle.
	TaskIDKey = "task_id"

	projectRevisionPrefix = "rev_"
	patchContentPrefix    = "patch_content_"
	patchContextPrefix    = "patch_context_"
)

// Bundle is the flat string map stored per job.
type Bundle map[string]string

// ProjectRevisionKey maps a project name to its checked-out revision.
func ProjectRevisionKey(project string) string {
	return projectRevisionPrefix + project
}

// RulesRevisionKey is the revision of the rules project.
func RulesRevisionKey() string { return ProjectRevisionKey("rules") }

// DevagentRevisionKey is the revision of the review tool itself.
func DevagentRevisionKey() string { return ProjectRevisionKey("devagent") }

// PatchContentKey maps a patch basename to its diff text.
func PatchContentKey(patchName string) string {
	return patchContentPrefix + patchName
}

// PatchContextKey maps a patch basename to its analyzer summary.
func PatchContextKey(patchName string) string {
	return patchContextPrefix + patchName
}

// Validation failures.
var (
	ErrInvalidKey  = errors.New("unrecognized task info key")
	ErrIncomplete  = errors.New("task info bundle is incomplete")
	ErrEmptyBundle = errors.New("task info bundle is empty")
)

// Validate checks the bundle against the key grammar. A bare key is
// accepted as a rule-name binding only when its value names a patch
// whose content is present in the same bundle.
func Validate(b Bundle) error {
	if len(b) == 0 {
		return ErrEmptyBundle
	}

	for _, required := range []string{TaskIDKey, RulesRevisionKey(), DevagentRevisionKey()} {
		if _, ok := b[required]; !ok {
			return fmt.Errorf("%w: missing %q", ErrIncomplete, required)
		}
	}

	for key, value := range b {
		switch {
		case key == TaskIDKey:
		case strings.HasPrefix(key, projectRevisionPrefix):
		case strings.HasPrefix(key, patchContentPrefix):
		case strings.HasPrefix(key, patchContextPrefix):
		default:
			// Rule-name binding: value must be a patch name with a
			// matching content entry.
			if _, ok := b[PatchContentKey(value)]; !ok {
				return fmt.Errorf("%w: %q", ErrInvalidKey, key)
			}
		}
	}

	return nil
}

// Store persists bundles in a JetStream KV bucket with per-entry TTL.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore creates or binds the task-info bucket.
func NewStore(ctx context.Context, js jetstream.JetStream, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      Bucket,
		Description: "per-job review metadata",
		TTL:         ttl,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create task info bucket: %w", err)
	}

	return &Store{kv: kv}, nil
}

// Set validates and writes the bundle for one job.
func (s *Store) Set(ctx context.Context, jobID string, b Bundle) error {
	if err := Validate(b); err != nil {
		return err
	}

	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode task info: %w", err)
	}

	if _, err := s.kv.Put(ctx, jobID, raw); err != nil {
		return fmt.Errorf("store task info for %s: %w", jobID, err)
	}
	return nil
}

// Get returns the bundle for a job, or nil when absent or expired.
func (s *Store) Get(ctx context.Context, jobID string) (Bundle, error) {
	entry, err := s.kv.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load task info for %s: %w", jobID, err)
	}

	var b Bundle
	if err := json.Unmarshal(entry.Value(), &b); err != nil {
		return nil, fmt.Errorf("decode task info for %s: %w", jobID, err)
	}
	if err := Validate(b); err != nil {
		return nil, err
	}

	return b, nil
}
