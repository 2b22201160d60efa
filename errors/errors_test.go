package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"source lost", ErrSourceLost, true},
		{"wrapped source lost", fmt.Errorf("inlet: %w", ErrSourceLost), true},
		{"circuit open", ErrCircuitOpen, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"malformed sample", ErrMalformedSample, false},
		{"closed", ErrClosed, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("timeout")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err), "error: %v", test.err)
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"closed", ErrClosed, true},
		{"source lost", ErrSourceLost, false},
		{"panic in message", fmt.Errorf("panic: relay failure"), true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsFatal(test.err), "error: %v", test.err)
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.False(t, IsInvalid(nil))
	assert.True(t, IsInvalid(ErrMalformedSample))
	assert.True(t, IsInvalid(ErrNotRegistered))
	assert.True(t, IsInvalid(fmt.Errorf("decode: %w", ErrParsingFailed)))
	assert.False(t, IsInvalid(ErrConnectionLost))
	assert.True(t, IsInvalid(&ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil error", nil, ErrorTransient},
		{"source lost", ErrSourceLost, ErrorTransient},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"malformed sample", ErrMalformedSample, ErrorInvalid},
		{"unknown error", fmt.Errorf("unknown error"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Classify(test.err))
		})
	}
}

func TestClassifiedError(t *testing.T) {
	baseErr := fmt.Errorf("base error")
	ce := newClassified(ErrorTransient, baseErr, "Relay", "Step", "custom message")

	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "Relay", ce.Component)
	assert.Equal(t, "Step", ce.Operation)
	assert.Equal(t, "custom message", ce.Error())
	assert.True(t, errors.Is(ce, baseErr))

	bare := newClassified(ErrorTransient, baseErr, "Relay", "Step", "")
	assert.Equal(t, "base error", bare.Error())
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "c", "m", "a"))

	err := Wrap(fmt.Errorf("original error"), "Inlet", "PullSample", "decode sample")
	require.Error(t, err)
	assert.Equal(t, "Inlet.PullSample: decode sample failed: original error", err.Error())
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		name     string
		wrapFunc func(error, string, string, string) error
		class    ErrorClass
	}{
		{"WrapTransient", WrapTransient, ErrorTransient},
		{"WrapFatal", WrapFatal, ErrorFatal},
		{"WrapInvalid", WrapInvalid, ErrorInvalid},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := test.wrapFunc(ErrSourceLost, "component", "method", "action")

			var ce *ClassifiedError
			require.True(t, errors.As(result, &ce))
			assert.Equal(t, test.class, ce.Class)
			assert.Equal(t, "component", ce.Component)
			assert.Equal(t, "method", ce.Operation)
			assert.Contains(t, ce.Error(), "component.method: action failed")
			assert.True(t, errors.Is(result, ErrSourceLost))
		})
	}

	assert.Nil(t, WrapTransient(nil, "c", "m", "a"))
}
