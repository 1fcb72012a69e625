package errors

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/errors"

	"github.com/nexusai/chgate/internal/core"
	"github.com/nexusai/chgate/internal/core/upstream"
)

// User-facing messages for gateway failures.
const (
	MessageTemporarilyUnavailable = "service temporarily unavailable, try again shortly"
	MessageCompanyNotFound        = "company not found"
	MessageUpstreamFailed         = "upstream request failed"
	MessageRequestCanceled        = "request canceled before the upstream answered"
)

func NewServiceUnavailableError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeServiceUnavailable, message)
}

// FromGateway maps a gateway or upstream error onto the user-visible
// taxonomy. The error kind is always attached to the envelope context so
// operators can see what happened behind the generic message.
func FromGateway(ctx context.Context, err error) *errors.ErrorEnvelope {
	if err == nil {
		return EnsureEnvelope(nil)
	}

	kind := upstream.KindOf(err)

	var envelope *errors.ErrorEnvelope
	severity := errors.SeverityMedium
	switch kind {
	case core.ErrorKindRateLimited, core.ErrorKindServer, core.ErrorKindConnection, core.ErrorKindTimeout:
		envelope = NewServiceUnavailableError(MessageTemporarilyUnavailable)
	case core.ErrorKindNotFound:
		envelope = NewNotFoundError(MessageCompanyNotFound)
	case core.ErrorKindInvalidInput:
		envelope = NewInvalidInputError(err.Error())
	case core.ErrorKindCanceled:
		envelope = NewTimeoutError(MessageRequestCanceled)
	default:
		envelope = NewExternalServiceError(MessageUpstreamFailed)
		severity = errors.SeverityHigh
	}

	id := extractCorrelationID(ctx)
	envelope = envelope.WithCorrelationID(id).WithTraceID(id)

	details := map[string]interface{}{
		"error_kind":    string(kind),
		"wrapped_error": err.Error(),
	}
	var limited *upstream.RateLimitExceededError
	if stderrors.As(err, &limited) {
		details["reset_at_epoch_ms"] = limited.ResetAtEpochMs()
		details["rate_limit_key"] = limited.Key
		details["upstream"] = limited.Upstream
	}

	if updated, updateErr := envelope.WithContext(details); updateErr == nil {
		envelope = updated
	}
	if updated, sevErr := envelope.WithSeverity(severity); sevErr == nil {
		envelope = updated
	}
	return envelope
}

// RespondWithGatewayError writes the mapped envelope, adding Retry-After when
// the failure was a budget denial.
func RespondWithGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	if w == nil {
		return
	}

	var limited *upstream.RateLimitExceededError
	if stderrors.As(err, &limited) {
		seconds := int(limited.RetryAfter(time.Now()).Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	var ctx context.Context
	if r != nil {
		ctx = r.Context()
	}
	RespondWithEnvelope(w, r, FromGateway(ctx, err))
}
