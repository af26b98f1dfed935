package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/halfspread/quoter/errs"
)

func TestErrorStringIncludesFields(t *testing.T) {
	err := errs.New(errs.CodeInvalid,
		errs.WithHTTP(400),
		errs.WithMessage("order rejected"),
		errs.WithRawCode("-1102"),
		errs.WithRawMessage(`{"code":-1102,"msg":"Mandatory parameter"}`),
	)
	require.Contains(t, err.Error(), "code=invalid_request")
	require.Contains(t, err.Error(), "http=400")
	require.Contains(t, err.Error(), "-1102")
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := errs.New(errs.CodeNetwork, errs.WithCause(cause))
	require.ErrorIs(t, err, cause)
}

func TestCodeOfWrappedError(t *testing.T) {
	inner := errs.New(errs.CodeBudget, errs.WithMessage("max retries on /fapi/v1/depth"))
	wrapped := fmt.Errorf("snapshot fetch: %w", inner)
	require.Equal(t, errs.CodeBudget, errs.CodeOf(wrapped))
	require.Equal(t, errs.CodeExchange, errs.CodeOf(errors.New("plain")))
}

func TestClassificationHelpers(t *testing.T) {
	require.True(t, errs.IsFatal(errs.New(errs.CodeAuth)))
	require.False(t, errs.IsFatal(errs.New(errs.CodeRateLimited)))

	require.True(t, errs.IsRetryable(errs.New(errs.CodeTransient)))
	require.True(t, errs.IsRetryable(errs.New(errs.CodeNetwork)))
	require.False(t, errs.IsRetryable(errs.New(errs.CodeInvalid)))
	require.False(t, errs.IsRetryable(errs.New(errs.CodeAuth)))
}
