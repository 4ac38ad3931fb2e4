package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStevedoreError(t *testing.T) {
	err := NewStevedoreError("RUNTIME_ERROR", 500, "failed to start container", "image missing")
	assert.Equal(t, "RUNTIME_ERROR: failed to start container (image missing)", err.Error())

	err = NewStevedoreError("NOT_FOUND", 404, "service not found", "")
	assert.Equal(t, "NOT_FOUND: service not found", err.Error())
}

func TestStevedoreErrorUnwrap(t *testing.T) {
	wrapped := &StevedoreError{
		Type:    "RUNTIME_ERROR",
		Code:    500,
		Message: "ping failed",
		Cause:   ErrRuntimeUnavailable,
	}
	assert.True(t, errors.Is(wrapped, ErrRuntimeUnavailable))
}

func TestSentinelErrorWrapping(t *testing.T) {
	err := fmt.Errorf("%w: pdf-extractor", ErrServiceNotFound)
	assert.True(t, errors.Is(err, ErrServiceNotFound))
	assert.False(t, errors.Is(err, ErrServiceExists))
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("restart", "must be one of no, always, unless-stopped, on-failure", "sometimes")
	assert.Contains(t, err.Error(), "restart")
	assert.Contains(t, err.Error(), "must be one of")
}

func TestValidatePort(t *testing.T) {
	assert.NoError(t, ValidatePort("port", 5000))
	assert.NoError(t, ValidatePort("port", 1))
	assert.NoError(t, ValidatePort("port", 65535))
	assert.Error(t, ValidatePort("port", 0))
	assert.Error(t, ValidatePort("port", -1))
	assert.Error(t, ValidatePort("port", 65536))
}

func TestValidateServiceName(t *testing.T) {
	assert.NoError(t, ValidateServiceName("pdf-extractor"))
	assert.NoError(t, ValidateServiceName("web_1"))
	assert.NoError(t, ValidateServiceName("api.v2"))
	assert.Error(t, ValidateServiceName(""))
	assert.Error(t, ValidateServiceName("web app"))
	assert.Error(t, ValidateServiceName("web/app"))
}
