package diff

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// Error kinds surfaced by providers. Callers match with errors.Is.
var (
	// ErrInvalidURL marks URLs that do not match a provider's PR shape.
	ErrInvalidURL = errors.New("invalid pull request url")
	// ErrTransport marks network failures that survived all retries.
	ErrTransport = errors.New("remote transport failure")
	// ErrRemoteReject marks non-zero business codes from the remote.
	ErrRemoteReject = errors.New("remote rejected request")
)

// Provider fetches the normalised diff of one pull-request URL.
type Provider interface {
	// Domain is the URL host this provider serves.
	Domain() string
	// GetDiff fetches and normalises the PR diff.
	GetDiff(ctx context.Context, rawURL string) (*Diff, error)
}

// Registry routes pull-request URLs to providers by host.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider, replacing any previous one for its domain.
func (r *Registry) Register(p Provider) {
	r.providers[p.Domain()] = p
}

// GetDiff resolves the provider for the URL's host and fetches the diff.
func (r *Registry) GetDiff(ctx context.Context, rawURL string) (*Diff, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}

	provider, ok := r.providers[parsed.Host]
	if !ok {
		return nil, fmt.Errorf("%w: no provider registered for domain %q", ErrInvalidURL, parsed.Host)
	}

	return provider.GetDiff(ctx, rawURL)
}
