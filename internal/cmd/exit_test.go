package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusai/chgate/internal/core/upstream"
	errwrap "github.com/nexusai/chgate/internal/errors"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want foundry.ExitCode
	}{
		{name: "nil", err: nil, want: foundry.ExitCode(0)},
		{name: "service unavailable", err: errwrap.NewServiceUnavailableError("down"), want: foundry.ExitExternalServiceUnavailable},
		{name: "config invalid", err: errwrap.NewConfigInvalidError("missing key"), want: foundry.ExitConfigInvalid},
		{name: "wrapped config invalid", err: fmt.Errorf("startup: %w", errwrap.NewConfigInvalidError("bad")), want: foundry.ExitConfigInvalid},
		{name: "missing file", err: fmt.Errorf("open batch: %w", os.ErrNotExist), want: foundry.ExitFileNotFound},
		{name: "plain", err: errors.New("boom"), want: foundry.ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeFor(tt.err))
		})
	}
}

func TestCLIErrorMapsGatewayFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("RateLimited", func(t *testing.T) {
		err := cliError(ctx, &upstream.RateLimitExceededError{
			Key:     upstream.DefaultRateLimitKey,
			ResetAt: time.Now().Add(30 * time.Second),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "budget exhausted")
		assert.Contains(t, err.Error(), upstream.DefaultRateLimitKey)
		assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCodeFor(err))
	})

	t.Run("NotFound", func(t *testing.T) {
		err := cliError(ctx, &upstream.ClientError{StatusCode: 404})
		require.Error(t, err)
		assert.Equal(t, foundry.ExitFailure, ExitCodeFor(err))

		var envelope *gferrors.ErrorEnvelope
		require.ErrorAs(t, err, &envelope)
		assert.Equal(t, "NOT_FOUND", envelope.Code)
		assert.Equal(t, errwrap.MessageCompanyNotFound, envelope.Message)
	})

	t.Run("UnknownPassesThrough", func(t *testing.T) {
		original := errors.New("unsupported output format: csv")
		assert.Same(t, original, cliError(ctx, original))
	})

	t.Run("Nil", func(t *testing.T) {
		assert.NoError(t, cliError(ctx, nil))
	})
}

func TestExitWithCodeUsesCatalogCode(t *testing.T) {
	var got int
	original := osExit
	osExit = func(code int) { got = code }
	t.Cleanup(func() { osExit = original })

	ExitWithCode(nil, foundry.ExitConfigInvalid, "Invalid configuration", errwrap.NewConfigInvalidError("upstream.api_key is required"))
	assert.Equal(t, int(foundry.ExitConfigInvalid), got)

	ExitWithCodeStderr(foundry.ExitFailure, "Command execution failed", nil)
	assert.Equal(t, int(foundry.ExitFailure), got)
}

func TestWriteFatal(t *testing.T) {
	info := exitInfo(foundry.ExitExternalServiceUnavailable)

	var plain strings.Builder
	writeFatal(&plain, info, "lookup failed", errors.New("connection reset"))
	assert.Contains(t, plain.String(), "FATAL: lookup failed: connection reset")
	assert.Contains(t, plain.String(), fmt.Sprintf("Exit Code: %d", info.Code))

	var enveloped strings.Builder
	writeFatal(&enveloped, info, "lookup failed", errwrap.NewServiceUnavailableError("try again shortly"))
	assert.Contains(t, enveloped.String(), "[SERVICE_UNAVAILABLE]: try again shortly")
}

func TestExitInfoKeepsCode(t *testing.T) {
	assert.Equal(t, 251, exitInfo(foundry.ExitCode(251)).Code)
	assert.NotEmpty(t, exitInfo(foundry.ExitConfigInvalid).Name)
}
