// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	pkgerrors "agent-orchestrator/pkg/errors"
	"agent-orchestrator/pkg/log"
	"agent-orchestrator/pkg/metrics"
	"agent-orchestrator/pkg/tracing"
	"agent-orchestrator/pkg/utils"
)

// 默认值（可在 Options 覆盖）
const (
	DefaultGlobalConcurrency   = 2
	DefaultJobTimeout          = 60 * time.Second
	DefaultMaxInteractiveBurst = 3
	DefaultStopDrain           = 2 * time.Second
	DefaultGracefulWait        = 2 * time.Second

	// 强制取消前给协作退出留的最后窗口
	forceGrace = 200 * time.Millisecond
	// 调度空转兜底间隔（nextAttemptAt 到期等场景）
	tickInterval = 50 * time.Millisecond
)

// Options 队列配置。BackgroundAging 为 0 时关闭按等待时长的老化抢占，
// 只保留 interactive 连发上限这一条反饥饿规则。
type Options struct {
	GlobalConcurrency   int           // 同时 running 的上限，<=0 使用默认 2
	MaxGlobal           int           // 全局非终态任务上限，<=0 不限制
	MaxPerProject       int           // 单项目非终态任务上限，<=0 不限制
	DefaultTimeout      time.Duration // 任务默认执行超时，<=0 使用 60s
	BackgroundAging     time.Duration // 后台任务老化窗口
	MaxInteractiveBurst int           // interactive 连发上限，<=0 使用默认 3
	StopDrain           time.Duration // Stop 排水时长，<=0 使用默认 2s
}

// EnqueueRequest 入队请求
type EnqueueRequest struct {
	Type            string                 `json:"type"`
	ProjectID       string                 `json:"projectId"`
	SourceSessionID string                 `json:"sourceSessionId,omitempty"`
	Payload         map[string]interface{} `json:"payload"`
}

// 入队/取消结果状态
const (
	StatusEnqueued        = "enqueued"
	StatusAlreadyQueued   = "already_queued"
	StatusCanceled        = "canceled"
	StatusAlreadyTerminal = "already_terminal"
	StatusNotFound        = "not_found"
)

// EnqueueResult 入队结果
type EnqueueResult struct {
	Status string `json:"status"`
	Job    *Job   `json:"job"`
}

// CancelResult 取消结果
type CancelResult struct {
	Status string `json:"status"`
	Job    *Job   `json:"job,omitempty"`
}

// Stats 队列统计
type Stats struct {
	Queued            int            `json:"queued"`
	Running           int            `json:"running"`
	TotalByState      map[State]int  `json:"totalByState"`
	ActiveByProject   map[string]int `json:"activeByProject"`
	OldestQueuedAgeMs int64          `json:"oldestQueuedAgeMs"`
}

// runningJob 运行期簿记。forced 置位后任务已被调度器强制终态，
// 迟到的执行结果一律丢弃。
type runningJob struct {
	cancel       context.CancelFunc
	done         chan struct{}
	forced       bool
	cancelReason string
}

// Queue 任务队列。所有状态迁移都在内部互斥锁下完成，
// 对外呈现单写者语义（design/job-state-machine.md）。
type Queue struct {
	opts   Options
	store  SnapshotStore
	hooks  Hooks
	logger *log.Logger

	mu               sync.Mutex
	defs             map[string]*Definition
	jobs             map[string]*Job
	seq              map[string]int64
	nextSeq          int64
	running          map[string]*runningJob
	waiters          map[string][]chan *Job
	interactiveBurst int
	accepting        bool
	started          bool

	wake    chan struct{}
	stopCh  chan struct{}
	loopWG  sync.WaitGroup
	randSrc *rand.Rand
}

// New 创建队列；需 Register 定义后调用 Start
func New(opts Options, store SnapshotStore, hooks Hooks, logger *log.Logger) *Queue {
	if store == nil {
		store = NewFileStore("", logger)
	}
	if hooks == nil {
		hooks = NopHooks{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	opts.GlobalConcurrency = utils.DefaultInt(opts.GlobalConcurrency, DefaultGlobalConcurrency)
	opts.DefaultTimeout = utils.DefaultDuration(opts.DefaultTimeout, DefaultJobTimeout)
	opts.MaxInteractiveBurst = utils.DefaultInt(opts.MaxInteractiveBurst, DefaultMaxInteractiveBurst)
	opts.StopDrain = utils.DefaultDuration(opts.StopDrain, DefaultStopDrain)
	return &Queue{
		opts:    opts,
		store:   store,
		hooks:   hooks,
		logger:  logger,
		defs:    make(map[string]*Definition),
		jobs:    make(map[string]*Job),
		seq:     make(map[string]int64),
		running: make(map[string]*runningJob),
		waiters: make(map[string][]chan *Job),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		randSrc: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register 注册任务定义；同名覆盖
func (q *Queue) Register(def *Definition) error {
	if def == nil || def.Type == "" {
		return pkgerrors.ErrInvalidArg
	}
	if def.Run == nil {
		return fmt.Errorf("definition %s: run is required", def.Type)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.defs[def.Type] = def
	return nil
}

// Start 崩溃恢复并启动调度循环：
// 快照中 running 的任务，attempts < maxAttempts 时回到 queued 重新调度，
// 否则标记 failed（recovery_max_attempts_exceeded）；runningContext 一律清空。
func (q *Queue) Start() error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue already started")
	}

	loaded, err := q.store.Load()
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("load snapshot: %w", err)
	}
	now := time.Now().UTC()
	var failedOnRecovery []*Job
	for _, j := range loaded {
		j.RunningContext = nil
		if j.State == StateRunning {
			if j.Attempts < j.MaxAttempts {
				j.State = StateQueued
				j.StartedAt = nil
			} else {
				j.State = StateFailed
				j.Error = ErrRecoveryMaxAttempts
				at := now
				j.CompletedAt = &at
				failedOnRecovery = append(failedOnRecovery, j.Clone())
			}
		}
		q.jobs[j.ID] = j
		q.nextSeq++
		q.seq[j.ID] = q.nextSeq
	}
	q.persistLocked()
	q.started = true
	q.accepting = true
	q.mu.Unlock()

	for _, j := range failedOnRecovery {
		q.fireTerminal(j)
	}

	q.loopWG.Add(1)
	go q.loop()
	q.logger.Info("调度器已启动", "recovered", len(loaded))
	return nil
}

// Stop 停止接单并排水：drain<=0 使用配置默认。
// 排水超时后向剩余运行中任务注入 shutdown 取消；
// 仍不退出的强制 canceled（shutdown_timeout）。总耗时有界。
func (q *Queue) Stop(drain time.Duration) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	q.accepting = false
	close(q.stopCh)
	q.mu.Unlock()
	q.loopWG.Wait()

	drain = utils.DefaultDuration(drain, q.opts.StopDrain)
	deadline := time.Now().Add(drain)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		n := len(q.running)
		q.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 注入 shutdown 取消
	q.mu.Lock()
	now := time.Now().UTC()
	var cancels []*runningJob
	for id, rj := range q.running {
		if j := q.jobs[id]; j != nil && j.CancelRequestedAt == nil {
			at := now
			j.CancelRequestedAt = &at
		}
		rj.cancelReason = ErrShutdown
		cancels = append(cancels, rj)
	}
	q.mu.Unlock()
	for _, rj := range cancels {
		rj.cancel()
	}

	graceDeadline := time.Now().Add(forceGrace)
	for time.Now().Before(graceDeadline) {
		q.mu.Lock()
		n := len(q.running)
		q.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 强制终态
	q.mu.Lock()
	var forcedTerminal []*Job
	for id, rj := range q.running {
		j := q.jobs[id]
		if j == nil || j.State.Terminal() {
			delete(q.running, id)
			continue
		}
		rj.forced = true
		q.terminalizeLocked(j, StateCanceled, ErrShutdownTimeout, nil)
		forcedTerminal = append(forcedTerminal, j.Clone())
		delete(q.running, id)
	}
	q.persistLocked()
	q.mu.Unlock()

	for _, j := range forcedTerminal {
		q.fireTerminal(j)
	}
	return q.store.Close()
}

// Enqueue 准入、去重、建任务并触发调度
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return nil, pkgerrors.Wrap(pkgerrors.ErrStopped, "queue")
	}
	def, ok := q.defs[req.Type]
	if !ok {
		q.mu.Unlock()
		return nil, invalidPayload("unknown job type: %s", req.Type)
	}
	if def.PayloadSchema != nil {
		if err := def.PayloadSchema.Validate(anyPayload(req.Payload)); err != nil {
			q.mu.Unlock()
			return nil, invalidPayload("payload rejected by schema for %s: %v", req.Type, err)
		}
	}

	// 去重：同 (type, dedupeKey) 存在非终态任务时按模式处理
	dedupeKey := ""
	if def.Dedupe.Mode != "" && def.Dedupe.Mode != DedupeNone && def.Dedupe.Key != nil {
		dedupeKey = def.Dedupe.Key(req.Payload)
	}
	if dedupeKey != "" {
		if existing := q.findDedupePeerLocked(req.Type, dedupeKey); existing != nil {
			switch def.Dedupe.Mode {
			case DedupeSingleFlight, DedupeDropDuplicate:
				clone := existing.Clone()
				q.mu.Unlock()
				metrics.DedupeHitTotal.WithLabelValues(string(def.Dedupe.Mode)).Inc()
				return &EnqueueResult{Status: StatusAlreadyQueued, Job: clone}, nil
			case DedupeMergeDuplicate:
				// 仅 queued 时合并 payload；running 中的任务不改
				if existing.State == StateQueued && def.Dedupe.Merge != nil {
					existing.Payload = def.Dedupe.Merge(existing.Payload, req.Payload)
					q.persistLocked()
				}
				clone := existing.Clone()
				q.mu.Unlock()
				metrics.DedupeHitTotal.WithLabelValues(string(def.Dedupe.Mode)).Inc()
				return &EnqueueResult{Status: StatusAlreadyQueued, Job: clone}, nil
			}
		}
	}

	// 容量准入
	globalActive, projectActive := q.activeCountsLocked(req.ProjectID)
	if q.opts.MaxPerProject > 0 && projectActive >= q.opts.MaxPerProject {
		q.mu.Unlock()
		return nil, queueFullProject(req.ProjectID)
	}
	if q.opts.MaxGlobal > 0 && globalActive >= q.opts.MaxGlobal {
		q.mu.Unlock()
		return nil, queueFullGlobal()
	}

	now := time.Now().UTC()
	job := &Job{
		ID:              uuid.NewString(),
		Type:            def.Type,
		Version:         def.Version,
		ProjectID:       req.ProjectID,
		SourceSessionID: req.SourceSessionID,
		Priority:        def.Priority,
		State:           StateQueued,
		DedupeKey:       dedupeKey,
		Payload:         req.Payload,
		MaxAttempts:     def.maxAttempts(),
		CreatedAt:       now,
	}
	if job.Priority == "" {
		job.Priority = PriorityBackground
	}
	job.hold = true
	q.jobs[job.ID] = job
	q.nextSeq++
	q.seq[job.ID] = q.nextSeq
	q.persistLocked()
	clone := job.Clone()
	q.mu.Unlock()

	if def.OnQueued != nil {
		def.OnQueued(clone)
	}
	q.hooks.EmitEvent(Event{Type: EventJobQueued, Payload: clone})

	q.mu.Lock()
	job.hold = false
	q.mu.Unlock()
	q.notify()
	return &EnqueueResult{Status: StatusEnqueued, Job: clone}, nil
}

// Get 按 id 查询
func (q *Queue) Get(jobID string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[jobID].Clone()
}

// ListByProject 按项目查询，createdAt 升序；stateFilter 为空返回全部
func (q *Queue) ListByProject(projectID string, stateFilter State) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for _, j := range q.jobs {
		if j.ProjectID != projectID {
			continue
		}
		if stateFilter != "" && j.State != stateFilter {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return q.seq[out[a].ID] < q.seq[out[b].ID]
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Stats 统计快照
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Stats{TotalByState: make(map[State]int), ActiveByProject: make(map[string]int)}
	now := time.Now().UTC()
	for _, j := range q.jobs {
		st.TotalByState[j.State]++
		if !j.State.Terminal() {
			st.ActiveByProject[j.ProjectID]++
		}
		if j.State == StateQueued {
			if age := now.Sub(j.CreatedAt).Milliseconds(); age > st.OldestQueuedAgeMs {
				st.OldestQueuedAgeMs = age
			}
		}
	}
	st.Queued = st.TotalByState[StateQueued]
	st.Running = st.TotalByState[StateRunning]
	return st
}

// WaitForTerminal 阻塞等待任务终态；超时或任务不存在返回 nil
func (q *Queue) WaitForTerminal(ctx context.Context, jobID string, timeout time.Duration) *Job {
	q.mu.Lock()
	j := q.jobs[jobID]
	if j == nil {
		q.mu.Unlock()
		return nil
	}
	if j.State.Terminal() {
		clone := j.Clone()
		q.mu.Unlock()
		return clone
	}
	ch := make(chan *Job, 1)
	q.waiters[jobID] = append(q.waiters[jobID], ch)
	q.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case j := <-ch:
		return j
	case <-timer:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Cancel 取消任务。queued 直接终态；running 按策略注入取消并等待宽限期，
// 超期强制 canceled（interrupt_timeout）并停止跟踪。
func (q *Queue) Cancel(jobID, reason string) CancelResult {
	if strings.TrimSpace(reason) == "" {
		reason = "canceled"
	}

	q.mu.Lock()
	j := q.jobs[jobID]
	if j == nil {
		q.mu.Unlock()
		return CancelResult{Status: StatusNotFound}
	}
	if j.State.Terminal() {
		clone := j.Clone()
		q.mu.Unlock()
		return CancelResult{Status: StatusAlreadyTerminal, Job: clone}
	}
	def := q.defs[j.Type]
	now := time.Now().UTC()
	at := now
	j.CancelRequestedAt = &at

	if j.State == StateQueued {
		q.terminalizeLocked(j, StateCanceled, reason, nil)
		q.persistLocked()
		clone := j.Clone()
		q.mu.Unlock()
		q.fireTerminal(clone)
		q.notify()
		return CancelResult{Status: StatusCanceled, Job: clone}
	}

	// running
	rj := q.running[jobID]
	var threadID, turnID string
	if j.RunningContext != nil {
		threadID, turnID = j.RunningContext.ThreadID, j.RunningContext.TurnID
	}
	strategy := CancelMarkCanceled
	gracefulWait := DefaultGracefulWait
	if def != nil {
		if def.Cancel.Strategy != "" {
			strategy = def.Cancel.Strategy
		}
		gracefulWait = utils.DefaultDuration(def.Cancel.GracefulWait, DefaultGracefulWait)
	}
	if rj != nil {
		rj.cancelReason = reason
	}
	q.persistLocked()
	q.mu.Unlock()

	if strategy == CancelInterruptTurn {
		if err := q.hooks.InterruptTurn(threadID, turnID); err != nil {
			q.logger.Warn("interrupt turn 失败", "job_id", jobID, "thread_id", threadID, "turn_id", turnID, "error", err)
		}
	}
	if rj != nil {
		rj.cancel()
		select {
		case <-rj.done:
		case <-time.After(gracefulWait):
		}
	}

	q.mu.Lock()
	j = q.jobs[jobID]
	if j == nil {
		q.mu.Unlock()
		return CancelResult{Status: StatusNotFound}
	}
	if !j.State.Terminal() {
		if rj != nil {
			rj.forced = true
		}
		q.terminalizeLocked(j, StateCanceled, ErrInterruptTimeout, nil)
		delete(q.running, jobID)
		q.persistLocked()
		clone := j.Clone()
		q.mu.Unlock()
		q.fireTerminal(clone)
		q.notify()
		return CancelResult{Status: StatusCanceled, Job: clone}
	}
	clone := j.Clone()
	q.mu.Unlock()
	if clone.State == StateCanceled {
		return CancelResult{Status: StatusCanceled, Job: clone}
	}
	return CancelResult{Status: StatusAlreadyTerminal, Job: clone}
}

// loop 调度循环：被唤醒或定时兜底时做一轮派发
func (q *Queue) loop() {
	defer q.loopWG.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		q.dispatch()
		select {
		case <-q.wake:
		case <-ticker.C:
		case <-q.stopCh:
			return
		}
	}
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch 一轮派发，直到并发满或无可派发任务
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if !q.started {
			q.mu.Unlock()
			return
		}
		if len(q.running) >= q.opts.GlobalConcurrency {
			q.mu.Unlock()
			return
		}
		job := q.selectNextLocked()
		if job == nil {
			q.updateDepthLocked()
			q.mu.Unlock()
			return
		}
		def := q.defs[job.Type]
		now := time.Now().UTC()
		at := now
		job.State = StateRunning
		job.StartedAt = &at
		job.LastAttemptAt = &at
		job.NextAttemptAt = nil
		job.Attempts++
		if job.Priority == PriorityInteractive {
			q.interactiveBurst++
		} else {
			q.interactiveBurst = 0
		}
		ctx, cancel := context.WithCancel(context.Background())
		rj := &runningJob{cancel: cancel, done: make(chan struct{})}
		q.running[job.ID] = rj
		q.persistLocked()
		q.updateDepthLocked()
		clone := job.Clone()
		metrics.DispatchWait.WithLabelValues(string(job.Priority)).Observe(now.Sub(job.CreatedAt).Seconds())
		q.mu.Unlock()

		if def.OnStarted != nil {
			def.OnStarted(clone)
		}
		q.hooks.EmitEvent(Event{Type: EventJobStarted, Payload: clone})
		go q.execute(ctx, def, clone, rj)
	}
}

// selectNextLocked 选择下一个可派发任务：
// interactive 按 FIFO 优先；背景任务在老化窗口到期或 interactive 连发达到上限时优先。
func (q *Queue) selectNextLocked() *Job {
	now := time.Now()
	var interactive, background []*Job
	for _, j := range q.jobs {
		if j.State != StateQueued || j.hold {
			continue
		}
		if j.NextAttemptAt != nil && j.NextAttemptAt.After(now) {
			continue
		}
		if j.Priority == PriorityInteractive {
			interactive = append(interactive, j)
		} else {
			background = append(background, j)
		}
	}
	older := func(list []*Job) *Job {
		best := list[0]
		for _, j := range list[1:] {
			if j.CreatedAt.Before(best.CreatedAt) ||
				(j.CreatedAt.Equal(best.CreatedAt) && q.seq[j.ID] < q.seq[best.ID]) {
				best = j
			}
		}
		return best
	}
	if len(background) > 0 {
		oldest := older(background)
		aged := q.opts.BackgroundAging > 0 && now.Sub(oldest.CreatedAt) >= q.opts.BackgroundAging
		burstHit := len(interactive) > 0 && q.interactiveBurst >= q.opts.MaxInteractiveBurst
		if len(interactive) == 0 || aged || burstHit {
			return oldest
		}
	}
	if len(interactive) > 0 {
		return older(interactive)
	}
	return nil
}

func (q *Queue) updateDepthLocked() {
	var ic, bg float64
	for _, j := range q.jobs {
		if j.State == StateQueued {
			if j.Priority == PriorityInteractive {
				ic++
			} else {
				bg++
			}
		}
	}
	metrics.QueueDepth.WithLabelValues("interactive").Set(ic)
	metrics.QueueDepth.WithLabelValues("background").Set(bg)
}

// execute 在独立 goroutine 中运行任务并回写结果
func (q *Queue) execute(ctx context.Context, def *Definition, job *Job, rj *runningJob) {
	defer close(rj.done)

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = q.opts.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runCtx, span := tracing.StartJobSpan(runCtx, job.ID, job.Type)
	defer span.End()

	rc := &RunContext{
		JobID:           job.ID,
		ProjectID:       job.ProjectID,
		SourceSessionID: job.SourceSessionID,
		Attempt:         job.Attempts,
		q:               q,
	}

	start := time.Now()
	result, err := q.safeRun(runCtx, def, rc, job.Payload)
	metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	timedOut := runCtx.Err() == context.DeadlineExceeded
	q.settle(def, job.ID, result, err, timedOut)
}

func (q *Queue) safeRun(ctx context.Context, def *Definition, rc *RunContext, payload map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return def.Run(ctx, rc, payload)
}

// settle 结果回写。调度器已强制终态的任务，其迟到结果被丢弃。
func (q *Queue) settle(def *Definition, jobID string, result interface{}, runErr error, timedOut bool) {
	q.mu.Lock()
	j := q.jobs[jobID]
	rj := q.running[jobID]
	if j == nil || rj == nil || rj.forced || j.State.Terminal() {
		delete(q.running, jobID)
		q.mu.Unlock()
		return
	}
	delete(q.running, jobID)
	j.RunningContext = nil

	// 成功路径：结果需通过 resultSchema，否则按致命错误处理
	if runErr == nil && !timedOut {
		if def.ResultSchema != nil {
			if err := validateResult(def.ResultSchema, result); err != nil {
				q.terminalizeLocked(j, StateFailed, fmt.Sprintf("invalid result: %v", err), nil)
				q.finishLocked(j)
				return
			}
		}
		q.terminalizeLocked(j, StateCompleted, "", result)
		q.finishLocked(j)
		return
	}

	// 取消路径
	if j.CancelRequestedAt != nil {
		reason := rj.cancelReason
		if reason == "" {
			reason = "canceled"
		}
		q.terminalizeLocked(j, StateCanceled, reason, nil)
		q.finishLocked(j)
		return
	}

	errStr := ErrUnknown
	if timedOut {
		errStr = ErrTimeout
	} else if runErr != nil {
		if s := strings.TrimSpace(runErr.Error()); s != "" {
			errStr = s
		}
	}

	// 重试分类
	retryable := def.retryable(wrapRunError(runErr, timedOut))
	if retryable && j.Attempts < j.MaxAttempts {
		delay := q.retryDelay(def, j.Attempts)
		next := time.Now().UTC().Add(delay)
		j.State = StateQueued
		j.Error = ""
		j.NextAttemptAt = &next
		q.persistLocked()
		q.mu.Unlock()
		metrics.JobRetryTotal.WithLabelValues(j.Type).Inc()
		q.logger.Info("任务将重试", "job_id", jobID, "attempt", j.Attempts, "delay", delay, "error", errStr)
		q.notify()
		return
	}

	q.terminalizeLocked(j, StateFailed, errStr, nil)
	q.finishLocked(j)
}

// finishLocked 持久化并在锁外广播终态；调用时必须持锁，返回时已解锁
func (q *Queue) finishLocked(j *Job) {
	q.persistLocked()
	q.updateDepthLocked()
	clone := j.Clone()
	q.mu.Unlock()
	q.fireTerminal(clone)
	q.notify()
}

// terminalizeLocked 终态迁移：置 completedAt、通知 waiters
func (q *Queue) terminalizeLocked(j *Job, state State, errStr string, result interface{}) {
	now := time.Now().UTC()
	j.State = state
	j.CompletedAt = &now
	j.NextAttemptAt = nil
	j.RunningContext = nil
	if state == StateCompleted {
		j.Result = result
		j.Error = ""
	} else {
		j.Error = errStr
	}
	metrics.JobTotal.WithLabelValues(string(state)).Inc()

	clone := j.Clone()
	for _, ch := range q.waiters[j.ID] {
		select {
		case ch <- clone:
		default:
		}
	}
	delete(q.waiters, j.ID)
}

// fireTerminal 终态事件与回调（锁外调用）
func (q *Queue) fireTerminal(j *Job) {
	def := func() *Definition {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.defs[j.Type]
	}()

	var evtType string
	switch j.State {
	case StateCompleted:
		evtType = EventJobCompleted
		if def != nil && def.OnCompleted != nil {
			def.OnCompleted(j)
		}
	case StateFailed:
		evtType = EventJobFailed
		if def != nil && def.OnFailed != nil {
			def.OnFailed(j)
		}
	case StateCanceled:
		evtType = EventJobCanceled
		if def != nil && def.OnCanceled != nil {
			def.OnCanceled(j)
		}
	default:
		return
	}
	q.hooks.EmitEvent(Event{Type: evtType, Payload: j})
}

// retryDelay 指数退避：delayForAttempt 优先；否则 min(maxDelay, base*2^(attempt-1))，
// 可选均匀 [0.5,1.5) 抖动
func (q *Queue) retryDelay(def *Definition, attempt int) time.Duration {
	if def.Retry.DelayForAttempt != nil {
		return def.Retry.DelayForAttempt(attempt)
	}
	base := def.Retry.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := def.Retry.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max {
		d = max
	}
	if def.Retry.Jitter {
		q.mu.Lock()
		factor := 0.5 + q.randSrc.Float64()
		q.mu.Unlock()
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// persistLocked 写快照；失败只记日志，内存状态保留，下次迁移再试
func (q *Queue) persistLocked() {
	jobs := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return q.seq[jobs[a].ID] < q.seq[jobs[b].ID]
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	if err := q.store.Save(jobs); err != nil {
		q.logger.Error("快照持久化失败", "error", err)
	}
}

func (q *Queue) findDedupePeerLocked(jobType, dedupeKey string) *Job {
	for _, j := range q.jobs {
		if j.Type == jobType && j.DedupeKey == dedupeKey && !j.State.Terminal() {
			return j
		}
	}
	return nil
}

func (q *Queue) activeCountsLocked(projectID string) (global, project int) {
	for _, j := range q.jobs {
		if j.State.Terminal() {
			continue
		}
		global++
		if j.ProjectID == projectID {
			project++
		}
	}
	return
}

func wrapRunError(err error, timedOut bool) error {
	if timedOut {
		return errors.New(ErrTimeout)
	}
	if err == nil {
		return errors.New(ErrUnknown)
	}
	return err
}

func anyPayload(p map[string]interface{}) interface{} {
	if p == nil {
		return map[string]interface{}{}
	}
	return p
}
