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
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("ORCHESTRATOR_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(60 * time.Second).
		SetHeader("Content-Type", "application/json")
}

func enqueueJob(jobType, projectID string, payload map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(map[string]interface{}{
			"type":      jobType,
			"projectId": projectID,
			"payload":   payload,
		}).
		SetResult(&out).
		Post("/api/jobs")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /api/jobs: %s", resp.String())
	}
	return out, nil
}

func getJob(jobID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/jobs/" + jobID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/jobs/%s: %s", jobID, resp.String())
	}
	return out, nil
}

func waitJob(jobID, timeout string) (map[string]interface{}, error) {
	var out map[string]interface{}
	req := newClient().R().SetResult(&out)
	if timeout != "" {
		req.SetQueryParam("timeout", timeout)
	}
	resp, err := req.Get("/api/jobs/" + jobID + "/wait")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/jobs/%s/wait: %s", jobID, resp.String())
	}
	return out, nil
}

func cancelJob(jobID, reason string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(map[string]string{"reason": reason}).
		SetResult(&out).
		Post("/api/jobs/" + jobID + "/cancel")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST cancel: %s", resp.String())
	}
	return out, nil
}

func queueStats() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/queue/stats")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/queue/stats: %s", resp.String())
	}
	return out, nil
}

func listProjectJobs(projectID string) ([]map[string]interface{}, error) {
	var out struct {
		Jobs []map[string]interface{} `json:"jobs"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/projects/" + projectID + "/jobs")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET project jobs: %s", resp.String())
	}
	return out.Jobs, nil
}

func reloadExtensions(actorRole, actorID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(map[string]string{"actorRole": actorRole, "actorId": actorID}).
		SetResult(&out).
		Post("/api/extensions/reload")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST reload: %s", resp.String())
	}
	return out, nil
}

func listReloadAudit() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/audit/reloads")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET audit: %s", resp.String())
	}
	return out, nil
}

func healthCheck() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/health")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/health: %s", resp.String())
	}
	return out, nil
}

func systemStatus() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/system/status")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET status: %s", resp.String())
	}
	return out, nil
}
