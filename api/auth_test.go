package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/reviewd/config"
	"github.com/c360studio/reviewd/engine"
)

func newSignedServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Auth.Secret = "test-secret"
	return NewServer(cfg, &fakeReviews{status: engine.JobPending}, nil)
}

func signedRequest(t *testing.T, secret, target string, at time.Time) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	timestamp := strconv.FormatInt(at.Unix(), 10)
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("sign", Sign(secret, timestamp, req.URL.Path, req.URL.RawQuery))
	return req
}

func TestSignedRequestAccepted(t *testing.T) {
	s := newSignedServer(t)

	req := signedRequest(t, "test-secret", "/api/v1/devagent?task_kind=0&action=0&payload=job1", time.Now())
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnsignedRequestRejected(t *testing.T) {
	s := newSignedServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devagent?task_kind=0&action=0&payload=job1", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWrongSecretRejected(t *testing.T) {
	s := newSignedServer(t)

	req := signedRequest(t, "other-secret", "/api/v1/devagent?task_kind=0&action=0&payload=job1", time.Now())
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSignatureBindsQuery(t *testing.T) {
	s := newSignedServer(t)

	// Signature for one job id replayed against another.
	signed := signedRequest(t, "test-secret", "/api/v1/devagent?task_kind=0&action=0&payload=job1", time.Now())
	replay := httptest.NewRequest(http.MethodGet, "/api/v1/devagent?task_kind=0&action=2&task_id=job2", nil)
	replay.Header.Set("timestamp", signed.Header.Get("timestamp"))
	replay.Header.Set("sign", signed.Header.Get("sign"))

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, replay)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStaleTimestampRejected(t *testing.T) {
	s := newSignedServer(t)

	req := signedRequest(t, "test-secret", "/api/v1/devagent?task_kind=0&action=0&payload=job1",
		time.Now().Add(-maxTimestampSkew-time.Minute))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMalformedTimestampRejected(t *testing.T) {
	s := newSignedServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devagent?task_kind=0&action=0&payload=job1", nil)
	req.Header.Set("timestamp", "not-a-number")
	req.Header.Set("sign", "whatever")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthAndMetricsAreUnsigned(t *testing.T) {
	s := newSignedServer(t)

	for _, target := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, fmt.Sprintf("%s must not require a signature", target))
	}
}
