// Package snippet fetches a short random text used to vary probe bodies.
package snippet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Config represents snippet source configuration
type Config struct {
	// URL returns a JSON document with an "extract" field, such as the
	// Wikipedia random page summary endpoint.
	URL        string
	Timeout    time.Duration
	RetryCount int
	UserAgent  string
}

// Source fetches snippets over HTTP.
type Source struct {
	httpClient *resty.Client
	url        string
}

type summary struct {
	Title   string `json:"title"`
	Extract string `json:"extract"`
}

// New creates a snippet source
func New(config Config) *Source {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "mailmon (delivery monitor)"
	}

	httpClient := resty.New().
		SetTimeout(config.Timeout).
		SetRetryCount(config.RetryCount).
		SetHeader("User-Agent", config.UserAgent).
		SetHeader("Accept", "application/json")

	return &Source{
		httpClient: httpClient,
		url:        config.URL,
	}
}

// Fetch returns the extract of one random summary.
func (s *Source) Fetch(ctx context.Context) (string, error) {
	if s.url == "" {
		return "", errors.New("snippet url not configured")
	}

	var result summary
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetResult(&result).
		Get(s.url)
	if err != nil {
		return "", fmt.Errorf("fetching snippet: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("fetching snippet: unexpected status %s", resp.Status())
	}

	extract := strings.TrimSpace(result.Extract)
	if extract == "" {
		return "", errors.New("snippet response has no extract")
	}
	return extract, nil
}
