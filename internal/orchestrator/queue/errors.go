// Copyright 2026 fanjia1024

package queue

import "fmt"

// 错误码（跨系统稳定标识）
const (
	CodeInvalidPayload = "invalid_payload"
	CodeQueueFull      = "queue_full"
	CodeJobConflict    = "job_conflict"
)

// 执行期错误字符串
const (
	ErrTimeout             = "timeout"
	ErrShutdown            = "shutdown"
	ErrShutdownTimeout     = "shutdown_timeout"
	ErrInterruptTimeout    = "interrupt_timeout"
	ErrRecoveryMaxAttempts = "recovery_max_attempts_exceeded"
	ErrUnknown             = "unknown error"
)

// EnqueueError 入队失败，携带 HTTP 风格状态码
type EnqueueError struct {
	Code       string
	StatusCode int
	Message    string
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalidPayload(format string, args ...interface{}) *EnqueueError {
	return &EnqueueError{Code: CodeInvalidPayload, StatusCode: 400, Message: fmt.Sprintf(format, args...)}
}

func queueFullProject(projectID string) *EnqueueError {
	return &EnqueueError{Code: CodeQueueFull, StatusCode: 429, Message: fmt.Sprintf("queue full: project capacity reached for %s", projectID)}
}

func queueFullGlobal() *EnqueueError {
	return &EnqueueError{Code: CodeQueueFull, StatusCode: 429, Message: "queue full: global capacity reached"}
}
