// Copyright 2026 fanjia1024

package supervisor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RPCError 子进程返回的协议错误对象
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("codex rpc error %d: %s", e.Code, e.Message)
}

// message 线上消息的统一形态。分类规则：
// 有 method 且有 id 为 serverRequest；有 method 无 id 为 notification；其余按 response 处理。
type message struct {
	ID     *json.RawMessage `json:"id,omitempty"`
	Method string           `json:"method,omitempty"`
	Params json.RawMessage  `json:"params,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *RPCError        `json:"error,omitempty"`
}

// Notification 子进程推送的通知
type Notification struct {
	Method string
	Params json.RawMessage
}

// ServerRequest 子进程发起的请求，需经 Respond/RespondError 答复
type ServerRequest struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// ExitInfo 子进程退出信息
type ExitInfo struct {
	Code   *int      `json:"code"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"at"`
}

// Status 当前运行状态
type Status struct {
	Running     bool      `json:"running"`
	PID         int       `json:"pid,omitempty"`
	Initialized bool      `json:"initialized"`
	LastExit    *ExitInfo `json:"lastExit,omitempty"`
}

// idKey 归一化响应 id：数字与带引号字符串视作同一键
func idKey(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	return s
}
