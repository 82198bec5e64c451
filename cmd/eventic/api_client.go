package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/eventic/internal/tasks"
)

// apiClient talks to a running daemon through the gateway's HTTP API.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// clientFromConfig derives the gateway base URL from the config file,
// unless an explicit --addr override was given.
func clientFromConfig(configPath, override string) (*apiClient, error) {
	addr := override
	if addr == "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, err
		}
		if !cfg.Gateway.Enabled {
			return nil, fmt.Errorf("gateway is disabled in %s; task commands need a running daemon (or --addr)", configPath)
		}
		addr = cfg.Gateway.ListenAddr
	}
	return newAPIClient(normalizeBaseURL(addr)), nil
}

// normalizeBaseURL turns a bind address like ":8321" or
// "0.0.0.0:8321" into a dialable http URL.
func normalizeBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	host, port, found := strings.Cut(addr, ":")
	if !found {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + host + ":" + port
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(path, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *apiClient) postJSON(ctx context.Context, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(path, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func apiError(path string, resp *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr == nil && len(body) > 0 {
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, payload.Error)
		}
		return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("request %s failed: %s", path, resp.Status)
}

func (c *apiClient) spawnTask(ctx context.Context, spec tasks.Spec) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/api/tasks", spec, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (c *apiClient) listTasks(ctx context.Context, status string) ([]tasks.BackgroundTask, error) {
	path := "/api/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var list []tasks.BackgroundTask
	if err := c.getJSON(ctx, path, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *apiClient) taskStatus(ctx context.Context, taskID string) (tasks.BackgroundTask, error) {
	var task tasks.BackgroundTask
	err := c.getJSON(ctx, "/api/tasks/"+url.PathEscape(taskID), &task)
	return task, err
}

func (c *apiClient) cancelTask(ctx context.Context, taskID string) error {
	return c.postJSON(ctx, "/api/tasks/"+url.PathEscape(taskID)+"/cancel", nil, nil)
}

func (c *apiClient) taskOutput(ctx context.Context, taskID string, since uint64) ([]tasks.LogLine, error) {
	path := "/api/tasks/" + url.PathEscape(taskID) + "/output?since=" + strconv.FormatUint(since, 10)
	var lines []tasks.LogLine
	if err := c.getJSON(ctx, path, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}
