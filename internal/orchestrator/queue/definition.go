// Copyright 2026 fanjia1024

package queue

import (
	"context"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DedupeMode 去重模式
type DedupeMode string

const (
	DedupeNone           DedupeMode = "none"
	DedupeSingleFlight   DedupeMode = "single_flight"
	DedupeDropDuplicate  DedupeMode = "drop_duplicate"
	DedupeMergeDuplicate DedupeMode = "merge_duplicate"
)

// DedupePolicy 去重策略。Key 从 payload 计算去重键，空串表示本次不去重。
type DedupePolicy struct {
	Key   func(payload map[string]interface{}) string
	Mode  DedupeMode
	Merge func(existing, incoming map[string]interface{}) map[string]interface{}
}

// RetryPolicy 重试策略。Classify 返回错误是否可重试，nil 时默认可重试。
type RetryPolicy struct {
	MaxAttempts     int // 含首次执行的总次数上限，<=0 视作 1
	Classify        func(err error) bool
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Jitter          bool
	DelayForAttempt func(attempt int) time.Duration
}

// CancelStrategy 取消策略
type CancelStrategy string

const (
	CancelMarkCanceled  CancelStrategy = "mark_canceled"
	CancelInterruptTurn CancelStrategy = "interrupt_turn"
)

// CancelPolicy 取消策略与宽限期
type CancelPolicy struct {
	Strategy     CancelStrategy
	GracefulWait time.Duration // 等待协作退出的时长，<=0 使用 2s
}

// RunFunc 任务执行体。通过 rc 回写运行上下文与进度；ctx 在取消、超时、Stop 时触发。
type RunFunc func(ctx context.Context, rc *RunContext, payload map[string]interface{}) (interface{}, error)

// Definition 任务定义，进程启动时按 type 注册
type Definition struct {
	Type          string
	Version       string
	Priority      Priority
	PayloadSchema *jsonschema.Schema
	ResultSchema  *jsonschema.Schema
	Dedupe        DedupePolicy
	Retry         RetryPolicy
	Timeout       time.Duration // 0 使用队列默认
	Cancel        CancelPolicy
	Run           RunFunc

	OnQueued    func(*Job)
	OnStarted   func(*Job)
	OnCompleted func(*Job)
	OnFailed    func(*Job)
	OnCanceled  func(*Job)
}

func (d *Definition) maxAttempts() int {
	if d.Retry.MaxAttempts <= 0 {
		return 1
	}
	return d.Retry.MaxAttempts
}

func (d *Definition) retryable(err error) bool {
	if d.Retry.Classify == nil {
		return true
	}
	return d.Retry.Classify(err)
}

// CompileSchema 编译 JSON Schema 文本，供定义注册使用
func CompileSchema(src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// MustCompileSchema CompileSchema 的 panic 版本，仅限静态常量 schema
func MustCompileSchema(src string) *jsonschema.Schema {
	s, err := CompileSchema(src)
	if err != nil {
		panic(err)
	}
	return s
}
