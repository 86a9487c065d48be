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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"agent-orchestrator/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("agent-orchestrator cli 0.1.0")
	case "health":
		runHealth()
	case "config":
		runConfig()
	case "server":
		if len(args) > 0 && args[0] == "start" {
			runServerStart()
		} else {
			fmt.Fprintf(os.Stderr, "Usage: orchestrator server start\n")
			os.Exit(1)
		}
	case "enqueue":
		runEnqueue(args)
	case "get":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: orchestrator get <job_id>\n")
			os.Exit(1)
		}
		runGet(args[0])
	case "wait":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: orchestrator wait <job_id> [timeout]\n")
			os.Exit(1)
		}
		timeout := ""
		if len(args) > 1 {
			timeout = args[1]
		}
		runWait(args[0], timeout)
	case "cancel":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: orchestrator cancel <job_id> [reason]\n")
			os.Exit(1)
		}
		reason := ""
		if len(args) > 1 {
			reason = args[1]
		}
		runCancel(args[0], reason)
	case "jobs":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: orchestrator jobs <project_id>\n")
			os.Exit(1)
		}
		runJobs(args[0])
	case "stats":
		runStats()
	case "status":
		runStatus()
	case "reload":
		runReload(args)
	case "audit":
		runAudit()
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: orchestrator <command> [args]")
	fmt.Println("  version                  - 显示版本")
	fmt.Println("  health                   - 健康检查（请求 /api/health）")
	fmt.Println("  config                   - 显示配置概要")
	fmt.Println("  server start             - 启动 API 服务（go run ./cmd/api）")
	fmt.Println("  enqueue <type> <project> [payload_json] - 入队任务，返回 job")
	fmt.Println("  get <job_id>             - 查询任务状态")
	fmt.Println("  wait <job_id> [timeout]  - 阻塞等待任务进入终态，如 wait j1 30s")
	fmt.Println("  cancel <job_id> [reason] - 请求取消任务")
	fmt.Println("  jobs <project_id>        - 列出项目下的任务")
	fmt.Println("  stats                    - 队列统计")
	fmt.Println("  status                   - 系统整体状态（队列/子进程/扩展）")
	fmt.Println("  reload [role] [actor_id] - 重载扩展表并写入审计")
	fmt.Println("  audit                    - 列出扩展重载审计记录")
}

func runHealth() {
	out, err := healthCheck()
	if err != nil {
		fmt.Fprintf(os.Stderr, "健康检查失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runConfig() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if cfg != nil {
		fmt.Printf("api.port=%d\n", cfg.API.Port)
		fmt.Printf("queue.max_concurrent_global=%d\n", cfg.Queue.MaxConcurrentGlobal)
		fmt.Printf("events.trust_mode=%s\n", cfg.Events.TrustMode)
		fmt.Printf("runtime.command=%s\n", cfg.Runtime.Command)
	}
}

func runServerStart() {
	c := exec.Command("go", "run", "./cmd/api")
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "server start: %v\n", err)
		os.Exit(1)
	}
}

func runEnqueue(args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: orchestrator enqueue <type> <project_id> [payload_json]\n")
		os.Exit(1)
	}
	payload := map[string]interface{}{}
	if len(args) > 2 {
		if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
			fmt.Fprintf(os.Stderr, "payload 不是合法 JSON: %v\n", err)
			os.Exit(1)
		}
	}
	out, err := enqueueJob(args[0], args[1], payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "入队失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runGet(jobID string) {
	out, err := getJob(jobID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runWait(jobID, timeout string) {
	out, err := waitJob(jobID, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "等待失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runCancel(jobID, reason string) {
	out, err := cancelJob(jobID, reason)
	if err != nil {
		fmt.Fprintf(os.Stderr, "取消失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runJobs(projectID string) {
	jobs, err := listProjectJobs(projectID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "列出任务失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(jobs))
}

func runStats() {
	out, err := queueStats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取统计失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runStatus() {
	out, err := systemStatus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取系统状态失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runReload(args []string) {
	role := "operator"
	actorID := ""
	if len(args) > 0 {
		role = args[0]
	}
	if len(args) > 1 {
		actorID = args[1]
	}
	out, err := reloadExtensions(role, actorID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "重载失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runAudit() {
	out, err := listReloadAudit()
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取审计记录失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func prettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
