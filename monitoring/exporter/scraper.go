package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Scraper collects metrics from the expvar endpoint of a relay server.
type Scraper struct {
	address string
	client  *http.Client
}

var errKeyNotFound = errors.New("key not found")

// NewScraper creates a scraper of the expvar endpoint at address.
func NewScraper(address string, timeout time.Duration) *Scraper {
	return &Scraper{
		address: address,
		client:  &http.Client{Timeout: timeout},
	}
}

// Scrape fetches the data from the relay server using HTTP GET then decodes the response.
func (s *Scraper) Scrape(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.address, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected response status %d", resp.StatusCode)
	}

	var stats map[string]any
	err = json.NewDecoder(resp.Body).Decode(&stats)
	return stats, err
}

// parseMetric returns the numeric value at the dot-separated path. Missing values are zero.
func parseMetric(stats map[string]any, key string) (float64, error) {
	v, err := parseNumeric(stats, key)
	if errors.Is(err, errKeyNotFound) {
		return 0, nil
	}
	return v, err
}

func parseNumeric(stats map[string]any, path string) (float64, error) {
	var value any = stats
	for _, part := range strings.Split(path, ".") {
		subset, ok := value.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("%w: %s", errKeyNotFound, path)
		}
		if value, ok = subset[part]; !ok {
			return 0, fmt.Errorf("%w: %s (%s)", errKeyNotFound, path, part)
		}
	}

	floatval, ok := value.(float64)
	if !ok {
		return 0, fmt.Errorf("value at '%s' is not a number: %v", path, value)
	}
	return floatval, nil
}
