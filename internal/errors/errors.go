package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode 定义错误代码类型
type ErrorCode string

// 错误代码常量
const (
	// 通用错误
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"

	// 表达式错误
	ErrCodeSyntax          ErrorCode = "SYNTAX_ERROR"
	ErrCodeUnknownSymbol   ErrorCode = "UNKNOWN_SYMBOL"
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeNoveltyRejected ErrorCode = "NOVELTY_REJECTED"
	ErrCodeDuplicateTask   ErrorCode = "DUPLICATE_TASK"

	// 执行错误
	ErrCodeExecution      ErrorCode = "EXECUTION_ERROR"
	ErrCodeAttemptTimeout ErrorCode = "ATTEMPT_TIMEOUT"
	ErrCodeGeneration     ErrorCode = "GENERATION_ERROR"

	// 会话错误
	ErrCodeEmptyFactorBatch      ErrorCode = "EMPTY_FACTOR_BATCH"
	ErrCodeSessionTimeout        ErrorCode = "SESSION_TIMEOUT"
	ErrCodeCancellationRequested ErrorCode = "CANCELLATION_REQUESTED"
	ErrCodeCheckpointNotFound    ErrorCode = "CHECKPOINT_NOT_FOUND"
	ErrCodeCheckpointCorrupt     ErrorCode = "CHECKPOINT_CORRUPT"

	// 外部协作者错误
	ErrCodeDataUnavailable ErrorCode = "DATA_UNAVAILABLE"
	ErrCodeBacktestFailed  ErrorCode = "BACKTEST_FAILED"
	ErrCodeLLMTransient    ErrorCode = "LLM_TRANSIENT"
	ErrCodeLLMFatal        ErrorCode = "LLM_FATAL"

	// 存储错误
	ErrCodeDBConnection    ErrorCode = "DB_CONNECTION_ERROR"
	ErrCodeDBQuery         ErrorCode = "DB_QUERY_ERROR"
	ErrCodeCacheConnection ErrorCode = "CACHE_CONNECTION_ERROR"
	ErrCodeCacheMiss       ErrorCode = "CACHE_MISS"
)

// ErrorSeverity 定义错误严重程度
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError 应用错误结构
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Severity  ErrorSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is 按错误代码匹配，使 errors.Is(err, ErrSyntax) 可用
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewAppError 创建新的应用错误
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Severity:  getSeverityByCode(code),
		Timestamp: time.Now(),
		Cause:     cause,
		Context:   make(map[string]interface{}),
	}
}

// NewAppErrorWithDetails 创建带详细信息的应用错误
func NewAppErrorWithDetails(code ErrorCode, message, details string, cause error) *AppError {
	err := NewAppError(code, message, cause)
	err.Details = details
	return err
}

// WithContext 添加上下文信息
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// getSeverityByCode 根据错误代码确定严重程度
func getSeverityByCode(code ErrorCode) ErrorSeverity {
	switch code {
	case ErrCodeInternal, ErrCodeDBConnection, ErrCodeSessionTimeout, ErrCodeCheckpointCorrupt:
		return SeverityCritical
	case ErrCodeDBQuery, ErrCodeLLMFatal, ErrCodeDataUnavailable, ErrCodeCheckpointNotFound:
		return SeverityHigh
	case ErrCodeExecution, ErrCodeAttemptTimeout, ErrCodeGeneration, ErrCodeBacktestFailed,
		ErrCodeCacheConnection, ErrCodeLLMTransient, ErrCodeEmptyFactorBatch:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IsRetryable 判断错误是否可重试
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExecution, ErrCodeAttemptTimeout, ErrCodeGeneration,
		ErrCodeTimeout, ErrCodeDBConnection, ErrCodeCacheConnection, ErrCodeLLMTransient:
		return true
	default:
		return false
	}
}

// 预定义错误，用于 errors.Is 比较
var (
	ErrSyntax                = NewAppError(ErrCodeSyntax, "syntax error", nil)
	ErrUnknownSymbol         = NewAppError(ErrCodeUnknownSymbol, "unknown symbol", nil)
	ErrValidation            = NewAppError(ErrCodeValidation, "invalid factor expression", nil)
	ErrNoveltyRejected       = NewAppError(ErrCodeNoveltyRejected, "factor rejected by regularizer", nil)
	ErrExecution             = NewAppError(ErrCodeExecution, "factor execution failed", nil)
	ErrAttemptTimeout        = NewAppError(ErrCodeAttemptTimeout, "factor execution timed out", nil)
	ErrEmptyFactorBatch      = NewAppError(ErrCodeEmptyFactorBatch, "no factor survived construction", nil)
	ErrSessionTimeout        = NewAppError(ErrCodeSessionTimeout, "session wall-clock budget exceeded", nil)
	ErrCancellationRequested = NewAppError(ErrCodeCancellationRequested, "cancellation requested", nil)
	ErrCheckpointNotFound    = NewAppError(ErrCodeCheckpointNotFound, "checkpoint not found", nil)
	ErrDataUnavailable       = NewAppError(ErrCodeDataUnavailable, "panel data unavailable", nil)
	ErrBacktestFailed        = NewAppError(ErrCodeBacktestFailed, "backtest failed", nil)
	ErrLLMTransient          = NewAppError(ErrCodeLLMTransient, "llm request failed", nil)
	ErrLLMFatal              = NewAppError(ErrCodeLLMFatal, "llm request rejected", nil)
	ErrCacheMiss             = NewAppError(ErrCodeCacheMiss, "cache miss", nil)
)

// WrapError 包装标准错误为应用错误
func WrapError(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return NewAppError(code, message, err)
}

// IsAppError 检查是否为应用错误
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError 获取应用错误
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf 返回错误代码，非应用错误返回 ErrCodeInternal
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable 判断任意错误是否可重试
func IsRetryable(err error) bool {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.IsRetryable()
	}
	return false
}
