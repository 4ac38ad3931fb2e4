package common

import (
	"errors"
	"fmt"
)

// 定义常见错误类型
var (
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrServiceNotFound      = errors.New("service not found")
	ErrServiceExists        = errors.New("service already exists")
	ErrInvalidState         = errors.New("invalid state")
	ErrOperationTimeout     = errors.New("operation timeout")
	ErrRuntimeUnavailable   = errors.New("runtime unavailable")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidDescriptor    = errors.New("invalid service descriptor")
)

// StevedoreError 自定义错误类型
type StevedoreError struct {
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Cause   error  `json:"-"`
}

func (e *StevedoreError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *StevedoreError) Unwrap() error {
	return e.Cause
}

// NewStevedoreError 创建新的错误
func NewStevedoreError(errorType string, code int, message string, details string) *StevedoreError {
	return &StevedoreError{
		Type:    errorType,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ValidationError 验证错误
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
}

// NewValidationError 创建验证错误
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// ValidatePort 验证端口号
func ValidatePort(field string, port int) error {
	if port <= 0 || port > 65535 {
		return NewValidationError(field, "must be between 1 and 65535", port)
	}
	return nil
}

// ValidateServiceName 验证服务名称
func ValidateServiceName(name string) error {
	if name == "" {
		return NewValidationError("service", "cannot be empty", name)
	}
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			continue
		}
		return NewValidationError("service", "contains invalid character", name)
	}
	return nil
}
