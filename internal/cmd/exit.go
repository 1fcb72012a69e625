package cmd

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	errwrap "github.com/nexusai/chgate/internal/errors"
)

// osExit is swapped in tests.
var osExit = os.Exit

// ExitCodeFor picks the semantic exit code for a failed command. Upstream
// outages and exhausted budgets are distinguished from plain failures so
// scripts can retry them.
func ExitCodeFor(err error) foundry.ExitCode {
	if err == nil {
		return foundry.ExitCode(0)
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) {
		switch envelope.Code {
		case errwrap.CodeServiceUnavailable, errwrap.CodeExternalService, errwrap.CodeTimeout:
			return foundry.ExitExternalServiceUnavailable
		case errwrap.CodeConfigInvalid:
			return foundry.ExitConfigInvalid
		}
	}
	if stderrors.Is(err, os.ErrNotExist) {
		return foundry.ExitFileNotFound
	}
	return foundry.ExitFailure
}

type exitMeta struct {
	Code        int
	Name        string
	Description string
	Category    string
}

// exitInfo looks up catalog metadata, synthesizing an entry for codes the
// foundry catalog does not know.
func exitInfo(code foundry.ExitCode) exitMeta {
	if info, ok := foundry.GetExitCodeInfo(code); ok {
		return exitMeta{Code: info.Code, Name: info.Name, Description: info.Description, Category: info.Category}
	}
	return exitMeta{Code: int(code), Name: "UNKNOWN", Description: "unrecognized exit code"}
}

// underlying returns the error an envelope wraps, or err itself.
func underlying(err error) error {
	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) {
		if original, ok := envelope.Original.(error); ok && original != nil {
			return original
		}
	}
	return err
}

// ExitWithCode logs msg and err with exit code metadata, then exits. With a
// nil logger it falls back to stderr.
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	info := exitInfo(exitCode)
	if logger == nil {
		writeFatal(os.Stderr, info, msg, err)
		osExit(info.Code)
		return
	}

	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_category", info.Category),
	}
	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("error_message", envelope.Message),
			zap.String("correlation_id", envelope.CorrelationID),
		)
		if len(envelope.Context) > 0 {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
	}
	if err != nil {
		fields = append(fields, zap.Error(underlying(err)))
	}

	logger.Error(msg, fields...)
	osExit(info.Code)
}

// ExitWithCodeStderr is ExitWithCode for failures before the logger exists.
func ExitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	info := exitInfo(exitCode)
	writeFatal(os.Stderr, info, msg, err)
	osExit(info.Code)
}

func writeFatal(w io.Writer, info exitMeta, msg string, err error) {
	var envelope *errors.ErrorEnvelope
	switch {
	case err == nil:
		fmt.Fprintf(w, "FATAL: %s\n", msg)
	case stderrors.As(err, &envelope):
		fmt.Fprintf(w, "FATAL: %s [%s]: %s\n", msg, envelope.Code, envelope.Message)
		if cause := underlying(err); cause != err {
			fmt.Fprintf(w, "Cause: %v\n", cause)
		}
	default:
		fmt.Fprintf(w, "FATAL: %s: %v\n", msg, err)
	}
	fmt.Fprintf(w, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
}
