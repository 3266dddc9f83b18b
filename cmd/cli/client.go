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
	if u := os.Getenv("TASKO_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
}

func healthCheck() (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/system/health")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/system/health: %s", resp.String())
	}
	return out, nil
}

func createTask(raw []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(raw).
		SetResult(&out).
		Post("/api/tasks")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("POST /api/tasks: %s", resp.String())
	}
	return out, nil
}

func listTasks(status string) ([]map[string]interface{}, error) {
	var out struct {
		Tasks []map[string]interface{} `json:"tasks"`
		Total int                      `json:"total"`
	}
	req := newClient().R().SetResult(&out)
	if status != "" {
		req.SetQueryParam("status", status)
	}
	resp, err := req.Get("/api/tasks")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/tasks: %s", resp.String())
	}
	return out.Tasks, nil
}

func getTask(taskID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/tasks/" + taskID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/tasks/%s: %s", taskID, resp.String())
	}
	return out, nil
}

func runTask(taskID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Post("/api/tasks/" + taskID + "/run")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusAccepted {
		return nil, fmt.Errorf("POST /api/tasks/%s/run: %s", taskID, resp.String())
	}
	return out, nil
}

func snoozeTask(taskID string, until time.Time) error {
	resp, err := newClient().R().
		SetBody(map[string]string{"until": until.Format(time.RFC3339)}).
		Post("/api/tasks/" + taskID + "/snooze")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("POST /api/tasks/%s/snooze: %s", taskID, resp.String())
	}
	return nil
}

// postTaskAction pause / resume / archive 共用的无请求体动作
func postTaskAction(taskID, action string) error {
	resp, err := newClient().R().
		Post("/api/tasks/" + taskID + "/" + action)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("POST /api/tasks/%s/%s: %s", taskID, action, resp.String())
	}
	return nil
}

func listRuns(taskID string) ([]map[string]interface{}, error) {
	var out struct {
		Runs  []map[string]interface{} `json:"runs"`
		Total int                      `json:"total"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/tasks/" + taskID + "/runs")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/tasks/%s/runs: %s", taskID, resp.String())
	}
	return out.Runs, nil
}

func getRun(runID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/runs/" + runID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/runs/%s: %s", runID, resp.String())
	}
	return out, nil
}

func cancelRun(runID string) error {
	resp, err := newClient().R().
		Post("/api/runs/" + runID + "/cancel")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("POST /api/runs/%s/cancel: %s", runID, resp.String())
	}
	return nil
}

func publishEvent(topic string, payload map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(map[string]interface{}{"topic": topic, "payload": payload}).
		SetResult(&out).
		Post("/api/events")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusAccepted {
		return nil, fmt.Errorf("POST /api/events: %s", resp.String())
	}
	return out, nil
}

func queueStats() (map[string]int, error) {
	var out struct {
		Counts map[string]int `json:"counts"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/system/queue")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/system/queue: %s", resp.String())
	}
	return out.Counts, nil
}
