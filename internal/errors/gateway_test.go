package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusai/chgate/internal/core/upstream"
)

func TestFromGateway(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		err     error
		code    string
		status  int
		message string
	}{
		{
			name:    "RateLimited",
			err:     &upstream.RateLimitExceededError{Key: "companies-house", ResetAt: time.Now().Add(time.Minute)},
			code:    "SERVICE_UNAVAILABLE",
			status:  http.StatusServiceUnavailable,
			message: MessageTemporarilyUnavailable,
		},
		{
			name:    "TransientExhausted",
			err:     &upstream.TransientError{StatusCode: 503, Attempts: 3},
			code:    "SERVICE_UNAVAILABLE",
			status:  http.StatusServiceUnavailable,
			message: MessageTemporarilyUnavailable,
		},
		{
			name:    "Timeout",
			err:     &upstream.TimeoutError{Timeout: 10 * time.Second, Attempts: 3},
			code:    "SERVICE_UNAVAILABLE",
			status:  http.StatusServiceUnavailable,
			message: MessageTemporarilyUnavailable,
		},
		{
			name:    "NotFound",
			err:     fmt.Errorf("lookup: %w", &upstream.ClientError{StatusCode: 404}),
			code:    "NOT_FOUND",
			status:  http.StatusNotFound,
			message: MessageCompanyNotFound,
		},
		{
			name:    "Canceled",
			err:     &upstream.CanceledError{Err: context.Canceled},
			code:    "TIMEOUT",
			status:  http.StatusGatewayTimeout,
			message: MessageRequestCanceled,
		},
		{
			name:    "Unauthorized",
			err:     &upstream.ClientError{StatusCode: 401, Message: "invalid authorization header"},
			code:    "EXTERNAL_SERVICE_ERROR",
			status:  http.StatusBadGateway,
			message: MessageUpstreamFailed,
		},
		{
			name:    "Decode",
			err:     &upstream.DecodeError{Endpoint: "/company/00000001", Err: fmt.Errorf("unexpected EOF")},
			code:    "EXTERNAL_SERVICE_ERROR",
			status:  http.StatusBadGateway,
			message: MessageUpstreamFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			envelope := FromGateway(ctx, tc.err)
			require.NotNil(t, envelope)
			assert.Equal(t, tc.code, envelope.Code)
			assert.Equal(t, tc.message, envelope.Message)
			assert.Equal(t, tc.status, HTTPStatusFromEnvelope(envelope))
			assert.Equal(t, string(upstream.KindOf(tc.err)), envelope.Context["error_kind"])
			assert.NotEmpty(t, envelope.CorrelationID)
		})
	}
}

func TestFromGatewayRateLimitDetails(t *testing.T) {
	reset := time.Now().Add(90 * time.Second)
	envelope := FromGateway(context.Background(), &upstream.RateLimitExceededError{Key: "tenant-a", ResetAt: reset})

	assert.Equal(t, reset.UnixMilli(), envelope.Context["reset_at_epoch_ms"])
	assert.Equal(t, "tenant-a", envelope.Context["rate_limit_key"])
}

func TestRespondWithGatewayError(t *testing.T) {
	t.Run("RetryAfterOnRateLimit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/companies/00445790", nil)

		RespondWithGatewayError(rec, req, &upstream.RateLimitExceededError{
			Key:     "companies-house",
			ResetAt: time.Now().Add(30 * time.Second),
		})

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))

		var body HTTPErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "SERVICE_UNAVAILABLE", body.Error.Code)
		assert.Contains(t, body.Error.Details, "reset_at_epoch_ms")
	})

	t.Run("NotFound", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/companies/00445790", nil)

		RespondWithGatewayError(rec, req, &upstream.ClientError{StatusCode: 404})

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, rec.Header().Get("Retry-After"))
	})
}
