package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/openfleet/openfleet/pkg/engine"
)

// classifyAPIError translates an AWS SDK error into the engine's classified
// error taxonomy. Already-classified errors pass through unchanged so
// adapters can stack without re-wrapping.
func classifyAPIError(err error, operation string) *engine.EngineError {
	if err == nil {
		return nil
	}

	var classified *engine.EngineError
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("remote call timed out", err).
			WithCode(engine.ErrCodeTimeout).
			WithOperation(operation)
	}
	if errors.Is(err, context.Canceled) {
		return engine.NewPermanentError("remote call cancelled", err).
			WithCode(engine.ErrCodeCancelled).
			WithOperation(operation)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case isThrottlingCode(code):
			return engine.NewThrottledError(fmt.Sprintf("remote API throttled (%s)", code), err).
				WithCode(engine.ErrCodeRateLimited).
				WithOperation(operation)

		case code == "ResourceNotFoundException":
			return engine.NewPermanentError("remote resource not found", err).
				WithCode(engine.ErrCodeNotFound).
				WithOperation(operation)

		case code == "InvalidParametersException" || code == "ValidationException":
			return engine.NewPermanentError("remote API rejected parameters", err).
				WithCode(engine.ErrCodeValidation).
				WithOperation(operation)

		case isAccessDeniedCode(code):
			return engine.NewPermanentError("remote API denied access", err).
				WithCode(engine.ErrCodeAuthenticationFailed).
				WithOperation(operation)

		case code == "InvalidStateException" || code == "ResourceInUseException" || code == "DuplicateResourceException":
			return engine.NewConflictError(fmt.Sprintf("remote resource state conflict (%s)", code), err).
				WithCode(engine.ErrCodeConflict).
				WithOperation(operation)

		case apiErr.ErrorFault() == smithy.FaultServer:
			return engine.NewTransientError(fmt.Sprintf("remote service error (%s)", code), err).
				WithCode(engine.ErrCodeExecutionFailed).
				WithOperation(operation)

		default:
			return engine.NewPermanentError(fmt.Sprintf("remote call failed (%s)", code), err).
				WithCode(engine.ErrCodeExecutionFailed).
				WithOperation(operation)
		}
	}

	// No API error code means the request never reached the service:
	// connection resets, DNS failures, TLS handshakes. Retryable.
	return engine.NewTransientError("remote call failed before reaching the service", err).
		WithCode(engine.ErrCodeExecutionFailed).
		WithOperation(operation)
}

func isThrottlingCode(code string) bool {
	switch code {
	case "Throttling", "ThrottlingException", "TooManyRequestsException",
		"RequestLimitExceeded", "LimitExceededException", "SlowDown":
		return true
	}
	return false
}

func isAccessDeniedCode(code string) bool {
	switch code {
	case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation",
		"ExpiredToken", "ExpiredTokenException", "InvalidClientTokenId":
		return true
	}
	return false
}

// isNotFoundErr reports whether the error is a remote not-found, either as a
// raw API error or after classification.
func isNotFoundErr(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException" {
		return true
	}
	var classified *engine.EngineError
	return errors.As(err, &classified) && classified.Code == engine.ErrCodeNotFound
}
