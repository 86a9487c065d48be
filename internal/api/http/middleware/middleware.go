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

package middleware

import (
	"context"
	"sync"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"golang.org/x/time/rate"
)

// Middleware 中间件管理器
type Middleware struct {
	allowOrigins []string

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewMiddleware 创建中间件管理器
func NewMiddleware() *Middleware {
	return &Middleware{limiters: make(map[string]*rate.Limiter)}
}

// SetAllowOrigins 配置 CORS 允许的来源，空表示 "*"
func (m *Middleware) SetAllowOrigins(origins []string) {
	m.allowOrigins = origins
}

// CORS CORS 中间件
func (m *Middleware) CORS() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		origin := "*"
		if len(m.allowOrigins) > 0 {
			origin = m.allowOrigins[0]
			reqOrigin := string(c.GetHeader("Origin"))
			for _, o := range m.allowOrigins {
				if o == reqOrigin {
					origin = o
					break
				}
			}
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if string(c.Method()) == "OPTIONS" {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

// RateLimit 按客户端 IP 的令牌桶限流
func (m *Middleware) RateLimit(rps int) app.HandlerFunc {
	m.rps = rate.Limit(rps)
	m.burst = rps
	if m.burst < 1 {
		m.burst = 1
	}
	return func(ctx context.Context, c *app.RequestContext) {
		if !m.limiterFor(c.ClientIP()).Allow() {
			c.JSON(consts.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next(ctx)
	}
}

func (m *Middleware) limiterFor(key string) *rate.Limiter {
	m.limMu.Lock()
	defer m.limMu.Unlock()
	lim, ok := m.limiters[key]
	if !ok {
		lim = rate.NewLimiter(m.rps, m.burst)
		m.limiters[key] = lim
	}
	return lim
}
