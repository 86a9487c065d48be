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

// Package events 扩展事件运行时：从扩展源发现并加载模块，
// 将事件并发扇出到订阅 handler（逐个限时、严格隔离），并对结果做确定性归并。
package events

import (
	"context"
	"time"
)

// ManifestFileName 扩展清单文件名
const ManifestFileName = "extension.manifest.json"

// 加载错误码
const (
	ErrManifestInvalid     = "manifest_invalid"
	ErrEntrypointMissing   = "entrypoint_missing"
	ErrRuntimeIncompatible = "runtime_incompatible"
)

// handler 错误码
const (
	CodeHandlerTimeout   = "handler_timeout"
	CodeHandlerException = "handler_exception"
	CodeCapabilityDenied = "capability_denied"
)

// TrustMode 扩展信任模式
type TrustMode string

const (
	TrustDisabled TrustMode = "disabled"
	TrustWarn     TrustMode = "warn"
	TrustEnforced TrustMode = "enforced"
)

// TrustStatus 信任评估结论
type TrustStatus string

const (
	TrustAccepted             TrustStatus = "accepted"
	TrustAcceptedWithWarnings TrustStatus = "accepted_with_warnings"
	TrustDenied               TrustStatus = "denied"
)

// TrustEvaluation 模块信任评估结果
type TrustEvaluation struct {
	Mode     TrustMode   `json:"mode"`
	Status   TrustStatus `json:"status"`
	Warnings []string    `json:"warnings,omitempty"`
	Errors   []string    `json:"errors,omitempty"`
}

// SourceKind 扩展来源类型
type SourceKind string

const (
	SourceRepoLocal        SourceKind = "repo_local"
	SourceInstalledPackage SourceKind = "installed_package"
	SourceConfiguredRoot   SourceKind = "configured_root"
)

// Manifest 扩展清单（extension.manifest.json）
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	AgentID      string            `json:"agentId,omitempty"`
	DisplayName  string            `json:"displayName,omitempty"`
	Runtime      ManifestRuntime   `json:"runtime"`
	Entrypoints  map[string]string `json:"entrypoints,omitempty"`
	Capabilities Capabilities      `json:"capabilities"`
}

// ManifestRuntime 清单的运行时兼容性声明
type ManifestRuntime struct {
	CoreAPIVersion      string            `json:"coreApiVersion,omitempty"`
	CoreAPIVersionRange string            `json:"coreApiVersionRange,omitempty"`
	Profiles            []ManifestProfile `json:"profiles,omitempty"`
}

// ManifestProfile 运行时 profile 兼容性声明
type ManifestProfile struct {
	Name         string `json:"name"`
	Version      string `json:"version,omitempty"`
	VersionRange string `json:"versionRange,omitempty"`
}

// Capabilities 能力声明。events 支持通配 "*"
type Capabilities struct {
	Events  []string `json:"events,omitempty"`
	Actions []string `json:"actions,omitempty"`
}

// Event 一次事件发射
type Event struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// HandlerFunc 事件 handler。ctx 在超时/关停时取消；返回值参与结果归并。
type HandlerFunc func(ctx context.Context, evt Event, tools *Tools) (interface{}, error)

// SubscribeOptions 订阅选项
type SubscribeOptions struct {
	Priority int           // 升序调度；相同优先级按注册顺序稳定
	Timeout  time.Duration // 单 handler 超时，0 使用运行时默认
}

// SubscriptionInfo 对外暴露的订阅摘要
type SubscriptionInfo struct {
	EventType string        `json:"eventType"`
	Priority  int           `json:"priority"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// LoadedModule 加载完成的模块快照
type LoadedModule struct {
	Name          string             `json:"name"`
	SourceKind    SourceKind         `json:"sourceKind"`
	Manifest      *Manifest          `json:"manifest,omitempty"`
	Trust         TrustEvaluation    `json:"trust"`
	Compat        CompatSummary      `json:"compat"`
	Subscriptions []SubscriptionInfo `json:"subscriptions,omitempty"`
	LoadError     string             `json:"loadError,omitempty"`
}

// subscription 内部订阅记录
type subscription struct {
	module    *LoadedModule
	eventType string
	handler   HandlerFunc
	opts      SubscribeOptions
	order     int
}

// Registry 扩展入口函数借此注册事件订阅
type Registry struct {
	subs []registration
}

type registration struct {
	eventType string
	handler   HandlerFunc
	opts      SubscribeOptions
}

// Subscribe 注册一个事件 handler
func (r *Registry) Subscribe(eventType string, handler HandlerFunc, opts SubscribeOptions) {
	r.subs = append(r.subs, registration{eventType: eventType, handler: handler, opts: opts})
}

// EntrypointFunc 模块事件入口（registerAgentEvents）
type EntrypointFunc func(reg *Registry)
