// Package healthcheck pushes check results to an Uptime Kuma instance.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Config represents push reporter configuration
type Config struct {
	// Host is the base URL of the Kuma instance, e.g. https://status.example.com.
	Host       string
	Timeout    time.Duration
	RetryCount int
}

// Reporter sends push heartbeats.
type Reporter struct {
	httpClient *resty.Client
}

type pushResponse struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg"`
}

// NewReporter creates a push reporter
func NewReporter(config Config) *Reporter {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(config.Host, "/")).
		SetTimeout(config.Timeout).
		SetRetryCount(config.RetryCount).
		SetHeader("Accept", "application/json")

	return &Reporter{httpClient: httpClient}
}

// Push reports one result for the monitor identified by key. ping is sent
// in seconds.
func (r *Reporter) Push(ctx context.Context, key string, up bool, msg string, ping time.Duration) error {
	if key == "" {
		return errors.New("push key is empty")
	}

	status := "down"
	if up {
		status = "up"
	}

	var result pushResponse
	resp, err := r.httpClient.R().
		SetContext(ctx).
		SetPathParam("key", key).
		SetQueryParams(map[string]string{
			"status": status,
			"msg":    msg,
			"ping":   strconv.FormatFloat(ping.Seconds(), 'f', 3, 64),
		}).
		SetResult(&result).
		SetError(&result).
		Get("/api/push/{key}")
	if err != nil {
		return fmt.Errorf("push %s: %w", status, err)
	}
	if resp.IsError() {
		if result.Msg != "" {
			return fmt.Errorf("push %s: %s: %s", status, resp.Status(), result.Msg)
		}
		return fmt.Errorf("push %s: unexpected status %s", status, resp.Status())
	}
	if !result.OK && result.Msg != "" {
		return fmt.Errorf("push %s rejected: %s", status, result.Msg)
	}
	return nil
}
