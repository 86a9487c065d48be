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

// Package supervisor 负责外部 codex app-server 子进程的生命周期，
// 并在其 stdin/stdout 上复用一条行分隔 JSON-RPC 通道。
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"agent-orchestrator/pkg/log"
	"agent-orchestrator/pkg/metrics"
	"agent-orchestrator/pkg/tracing"
	"agent-orchestrator/pkg/utils"
)

// 默认值（可在 Config 覆盖）
const (
	DefaultRequestTimeout = 120 * time.Second
	DefaultStopGrace      = 3 * time.Second
)

// Config 子进程与协议配置
type Config struct {
	Command string
	Args    []string
	Env     []string // 追加到继承环境之上
	Dir     string   // 子进程工作目录
	DataDir string   // 数据目录，Start 时确保存在
	LogFile string   // stdout/stderr 协议日志落盘路径，空则不落盘

	RequestTimeout time.Duration // 单请求默认超时，<=0 使用 120s
	StopGrace      time.Duration // SIGTERM 后等待时长，<=0 使用 3s

	ClientName    string
	ClientVersion string
}

type callResult struct {
	msg *message
	err error
}

type pendingCall struct {
	method string
	ch     chan callResult
}

// Supervisor 子进程监督器。Start/Stop 管理生命周期，
// Call/Notify/Respond 复用同一条 stdin 通道（写互斥，一行一条消息）。
type Supervisor struct {
	cfg    Config
	logger *log.Logger

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	running     bool
	stopping    bool
	initialized bool
	lastExit    *ExitInfo
	generation  int // 每次 Start 递增，旧 readLoop/waitLoop 不得影响新会话

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]pendingCall
	nextID    int64

	logMu   sync.Mutex
	logFile *os.File

	listenerMu     sync.Mutex
	onNotification []func(Notification)
	onServerReq    []func(ServerRequest)
	onExit         []func(ExitInfo)
}

// New 创建 Supervisor；需再调用 Start
func New(cfg Config, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Nop()
	}
	cfg.RequestTimeout = utils.DefaultDuration(cfg.RequestTimeout, DefaultRequestTimeout)
	cfg.StopGrace = utils.DefaultDuration(cfg.StopGrace, DefaultStopGrace)
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]pendingCall),
	}
}

// OnNotification 注册子进程通知回调
func (s *Supervisor) OnNotification(fn func(Notification)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.onNotification = append(s.onNotification, fn)
}

// OnServerRequest 注册子进程请求回调，回调方需调用 Respond/RespondError
func (s *Supervisor) OnServerRequest(fn func(ServerRequest)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.onServerReq = append(s.onServerReq, fn)
}

// OnExit 注册子进程退出回调
func (s *Supervisor) OnExit(fn func(ExitInfo)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.onExit = append(s.onExit, fn)
}

// Start 确保目录存在、打开日志流、拉起子进程并完成 initialize 握手。
// 握手失败时 Stop 并返回错误。
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("codex app-server already running")
	}

	if s.cfg.Command == "" {
		s.mu.Unlock()
		return errors.New("runtime command is required")
	}
	if s.cfg.DataDir != "" {
		if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	if s.cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.LogFile), 0o755); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(s.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("open log file: %w", err)
		}
		s.logMu.Lock()
		s.logFile = f
		s.logMu.Unlock()
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	if s.cfg.Dir != "" {
		cmd.Dir = s.cfg.Dir
	}
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("start codex app-server: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.running = true
	s.stopping = false
	s.initialized = false
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.logger.Info("codex app-server 已启动", "pid", cmd.Process.Pid, "command", s.cfg.Command)

	go s.readLoop(gen, stdout)
	if stderr != nil {
		go s.teeStderr(stderr)
	}
	go s.waitLoop(gen, cmd)

	if err := s.handshake(ctx); err != nil {
		s.Stop()
		return fmt.Errorf("codex app-server handshake: %w", err)
	}

	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) handshake(ctx context.Context) error {
	params := map[string]interface{}{
		"clientInfo": map[string]interface{}{
			"name":    utils.CoalesceString(s.cfg.ClientName, "agent-orchestrator"),
			"version": utils.CoalesceString(s.cfg.ClientVersion, "dev"),
		},
		"capabilities": map[string]interface{}{},
	}
	if _, err := s.Call(ctx, "initialize", params, 0); err != nil {
		return err
	}
	return s.Notify("initialized", nil)
}

// Stop 发送 SIGTERM，等待 StopGrace 后升级 SIGKILL；
// 关闭日志流并以 "codex app-server stopped" 拒绝所有挂起请求。
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running || s.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	cmd := s.cmd
	s.mu.Unlock()

	s.failPending(errors.New("codex app-server stopped"))

	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			s.mu.Lock()
			exited := !s.running
			s.mu.Unlock()
			if exited {
				close(done)
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.StopGrace):
		s.logger.Warn("codex app-server 未在期限内退出，升级 SIGKILL")
		_ = cmd.Process.Kill()
		<-done
	}

	s.logMu.Lock()
	if s.logFile != nil {
		s.logFile.Close()
		s.logFile = nil
	}
	s.logMu.Unlock()
	return nil
}

// Call 发送请求并等待匹配 id 的响应。timeout<=0 时使用配置默认。
func (s *Supervisor) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, errors.New("codex app-server is not running")
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	timeout = utils.DefaultDuration(timeout, s.cfg.RequestTimeout)
	ctx, span := tracing.StartRPCSpan(ctx, method)
	defer span.End()
	start := time.Now()

	key := fmt.Sprintf("%d", id)
	ch := make(chan callResult, 1)
	s.pendingMu.Lock()
	s.pending[key] = pendingCall{method: method, ch: ch}
	s.pendingMu.Unlock()

	req := map[string]interface{}{"method": method, "id": id}
	if params != nil {
		req["params"] = params
	}
	if err := s.writeMessage(req); err != nil {
		s.removePending(key)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	case <-timer.C:
		s.removePending(key)
		return nil, fmt.Errorf("codex request timed out: %s", method)
	case <-ctx.Done():
		s.removePending(key)
		return nil, ctx.Err()
	}
}

// CallInto Call 并反序列化 result 到 out
func (s *Supervisor) CallInto(ctx context.Context, method string, params interface{}, timeout time.Duration, out interface{}) error {
	raw, err := s.Call(ctx, method, params, timeout)
	if err != nil {
		return err
	}
	if out == nil || raw == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Notify 发送无 id 通知，不等待应答
func (s *Supervisor) Notify(method string, params interface{}) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return errors.New("codex app-server is not running")
	}
	msg := map[string]interface{}{"method": method}
	if params != nil {
		msg["params"] = params
	}
	return s.writeMessage(msg)
}

// Respond 答复子进程发起的请求
func (s *Supervisor) Respond(id json.RawMessage, result interface{}) error {
	return s.writeMessage(map[string]interface{}{"id": id, "result": result})
}

// RespondError 以错误答复子进程发起的请求
func (s *Supervisor) RespondError(id json.RawMessage, rpcErr *RPCError) error {
	return s.writeMessage(map[string]interface{}{"id": id, "error": rpcErr})
}

// Status 返回当前状态快照
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Running: s.running, Initialized: s.initialized, LastExit: s.lastExit}
	if s.running && s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
	}
	return st
}

func (s *Supervisor) writeMessage(msg map[string]interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	stdin := s.stdin
	running := s.running
	s.mu.Unlock()
	if !running || stdin == nil {
		return errors.New("codex app-server is not running")
	}
	_, err = stdin.Write(data)
	return err
}

// readLoop 按行读 stdout：每行一条 JSON，解析失败记日志后跳过；
// 原始行同步落协议日志。
func (s *Supervisor) readLoop(gen int, stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			s.teeLog("stdout", line)
			s.dispatchLine(gen, line)
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) dispatchLine(gen int, line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.Warn("丢弃无法解析的协议行", "error", err)
		return
	}

	switch {
	case msg.Method != "" && msg.ID != nil:
		req := ServerRequest{ID: *msg.ID, Method: msg.Method, Params: msg.Params}
		s.listenerMu.Lock()
		listeners := append([](func(ServerRequest))(nil), s.onServerReq...)
		s.listenerMu.Unlock()
		for _, fn := range listeners {
			go fn(req)
		}
	case msg.Method != "":
		n := Notification{Method: msg.Method, Params: msg.Params}
		s.listenerMu.Lock()
		listeners := append([](func(Notification))(nil), s.onNotification...)
		s.listenerMu.Unlock()
		for _, fn := range listeners {
			go fn(n)
		}
	case msg.ID != nil:
		key := idKey(*msg.ID)
		s.pendingMu.Lock()
		pc, ok := s.pending[key]
		if ok {
			delete(s.pending, key)
		}
		s.pendingMu.Unlock()
		if ok {
			pc.ch <- callResult{msg: &msg}
		}
	default:
		s.logger.Warn("丢弃既无 method 也无 id 的协议消息")
	}
}

func (s *Supervisor) teeStderr(stderr io.Reader) {
	reader := bufio.NewReader(stderr)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			s.teeLog("stderr", line)
		}
		if err != nil {
			return
		}
	}
}

func (s *Supervisor) teeLog(stream string, line []byte) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.logFile == nil {
		return
	}
	fmt.Fprintf(s.logFile, "[%s] ", stream)
	s.logFile.Write(line)
}

func (s *Supervisor) waitLoop(gen int, cmd *exec.Cmd) {
	err := cmd.Wait()

	info := ExitInfo{At: time.Now().UTC()}
	if state := cmd.ProcessState; state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			info.Signal = ws.Signal().String()
		} else {
			code := state.ExitCode()
			info.Code = &code
		}
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	wasStopping := s.stopping
	s.running = false
	s.initialized = false
	s.lastExit = &info
	s.mu.Unlock()

	if !wasStopping {
		s.logger.Warn("codex app-server 退出", "exit", info, "error", err)
		metrics.RuntimeRestartTotal.Inc()
	}
	s.failPending(errors.New("codex app-server exited before responding"))

	s.listenerMu.Lock()
	listeners := append([](func(ExitInfo))(nil), s.onExit...)
	s.listenerMu.Unlock()
	for _, fn := range listeners {
		go fn(info)
	}
}

func (s *Supervisor) failPending(cause error) {
	s.pendingMu.Lock()
	for key, pc := range s.pending {
		delete(s.pending, key)
		pc.ch <- callResult{err: cause}
	}
	s.pendingMu.Unlock()
}

func (s *Supervisor) removePending(key string) {
	s.pendingMu.Lock()
	delete(s.pending, key)
	s.pendingMu.Unlock()
}
