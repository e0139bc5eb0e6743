package cloud

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/smithy-go"

	"github.com/openfleet/openfleet/pkg/engine"
)

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantClass engine.ErrorClass
		wantCode  string
	}{
		{
			name:      "throttling",
			err:       &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
			wantClass: engine.ErrorClassThrottled,
			wantCode:  engine.ErrCodeRateLimited,
		},
		{
			name:      "limit exceeded",
			err:       &smithy.GenericAPIError{Code: "LimitExceededException", Message: "quota"},
			wantClass: engine.ErrorClassThrottled,
			wantCode:  engine.ErrCodeRateLimited,
		},
		{
			name:      "not found",
			err:       &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "no such product"},
			wantClass: engine.ErrorClassPermanent,
			wantCode:  engine.ErrCodeNotFound,
		},
		{
			name:      "invalid parameters",
			err:       &smithy.GenericAPIError{Code: "InvalidParametersException", Message: "bad size"},
			wantClass: engine.ErrorClassPermanent,
			wantCode:  engine.ErrCodeValidation,
		},
		{
			name:      "access denied",
			err:       &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "nope"},
			wantClass: engine.ErrorClassPermanent,
			wantCode:  engine.ErrCodeAuthenticationFailed,
		},
		{
			name:      "expired token",
			err:       &smithy.GenericAPIError{Code: "ExpiredTokenException", Message: "stale"},
			wantClass: engine.ErrorClassPermanent,
			wantCode:  engine.ErrCodeAuthenticationFailed,
		},
		{
			name:      "state conflict",
			err:       &smithy.GenericAPIError{Code: "InvalidStateException", Message: "under change"},
			wantClass: engine.ErrorClassConflict,
			wantCode:  engine.ErrCodeConflict,
		},
		{
			name:      "resource in use",
			err:       &smithy.GenericAPIError{Code: "ResourceInUseException", Message: "busy"},
			wantClass: engine.ErrorClassConflict,
			wantCode:  engine.ErrCodeConflict,
		},
		{
			name:      "server fault",
			err:       &smithy.GenericAPIError{Code: "InternalFailure", Message: "oops", Fault: smithy.FaultServer},
			wantClass: engine.ErrorClassTransient,
			wantCode:  engine.ErrCodeExecutionFailed,
		},
		{
			name:      "unknown client fault",
			err:       &smithy.GenericAPIError{Code: "SomethingElse", Message: "bad request", Fault: smithy.FaultClient},
			wantClass: engine.ErrorClassPermanent,
			wantCode:  engine.ErrCodeExecutionFailed,
		},
		{
			name:      "network error",
			err:       errors.New("dial tcp: connection refused"),
			wantClass: engine.ErrorClassTransient,
			wantCode:  engine.ErrCodeExecutionFailed,
		},
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			wantClass: engine.ErrorClassTransient,
			wantCode:  engine.ErrCodeTimeout,
		},
		{
			name:      "cancelled",
			err:       context.Canceled,
			wantClass: engine.ErrorClassPermanent,
			wantCode:  engine.ErrCodeCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyAPIError(tt.err, "servicecatalog.provision")
			if got.Class != tt.wantClass {
				t.Errorf("class = %s, want %s", got.Class, tt.wantClass)
			}
			if got.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", got.Code, tt.wantCode)
			}
			if got.Operation != "servicecatalog.provision" {
				t.Errorf("operation = %s, want servicecatalog.provision", got.Operation)
			}
			if !errors.Is(got.Unwrap(), tt.err) && got.Unwrap() != tt.err {
				t.Error("classified error does not wrap the cause")
			}
		})
	}
}

func TestClassifyAPIErrorPassthrough(t *testing.T) {
	original := engine.NewConflictError("claim held by another run", nil).
		WithCode(engine.ErrCodeConflict)

	got := classifyAPIError(original, "servicecatalog.provision")
	if got != original {
		t.Error("already-classified error was re-wrapped")
	}
}

func TestClassifyAPIErrorNil(t *testing.T) {
	if got := classifyAPIError(nil, "x"); got != nil {
		t.Errorf("classifyAPIError(nil) = %v, want nil", got)
	}
}

func TestIsNotFoundErr(t *testing.T) {
	raw := &smithy.GenericAPIError{Code: "ResourceNotFoundException"}
	if !isNotFoundErr(raw) {
		t.Error("raw API not-found not recognized")
	}
	if !isNotFoundErr(classifyAPIError(raw, "servicecatalog.describe")) {
		t.Error("classified not-found not recognized")
	}
	if isNotFoundErr(errors.New("other")) {
		t.Error("plain error misclassified as not found")
	}
}
