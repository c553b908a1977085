package lapi_metrics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Wire shape of POST /v1/usage-metrics.
type (
	payload struct {
		RemediationComponents []componentMetrics `json:"remediation_components"`
	}

	componentMetrics struct {
		Type     string       `json:"type"`
		Version  string       `json:"version"`
		Os       osInfo       `json:"os"`
		Features []string     `json:"features"`
		Meta     windowMeta   `json:"meta"`
		Metrics  []metricItem `json:"metrics"`
	}

	osInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	windowMeta struct {
		WindowSizeSeconds   int64 `json:"window_size_seconds"`
		UtcStartupTimestamp int64 `json:"utc_startup_timestamp"`
		UtcNowTimestamp     int64 `json:"utc_now_timestamp"`
	}

	metricItem struct {
		Name   string            `json:"name"`
		Value  int64             `json:"value"`
		Unit   string            `json:"unit"`
		Labels map[string]string `json:"labels,omitempty"`
	}
)

// items turns a window into metric entries: one "blocked" per origin, sorted,
// then the "processed" total.
func (w window) items() []metricItem {
	origins := make([]string, 0, len(w.blocked))
	for o, n := range w.blocked {
		if n > 0 {
			origins = append(origins, o)
		}
	}
	sort.Strings(origins)

	out := make([]metricItem, 0, len(origins)+1)
	for _, o := range origins {
		out = append(out, metricItem{
			Name:   "blocked",
			Value:  w.blocked[o],
			Unit:   "request",
			Labels: map[string]string{"origin": o, "remediation_type": "ban"},
		})
	}
	return append(out, metricItem{Name: "processed", Value: w.checked, Unit: "request"})
}

func (r *Reporter) encode(w window, now time.Time) ([]byte, error) {
	osName, osVersion := detectOS()
	return json.Marshal(payload{RemediationComponents: []componentMetrics{{
		Type:     ComponentType,
		Version:  r.version,
		Os:       osInfo{Name: osName, Version: osVersion},
		Features: []string{},
		Meta: windowMeta{
			WindowSizeSeconds:   int64(r.interval / time.Second),
			UtcStartupTimestamp: r.started.Unix(),
			UtcNowTimestamp:     now.Unix(),
		},
		Metrics: w.items(),
	}}})
}

// push sends one window. A non-2xx answer is logged, not returned: the
// window is gone either way.
func (r *Reporter) push(ctx context.Context, w window) error {
	body, err := r.encode(w, time.Now())
	if err != nil {
		return fmt.Errorf("marshal usage-metrics payload: %w", err)
	}

	url := strings.TrimRight(r.lapiURL, "/") + "/v1/usage-metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage-metrics request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", ComponentType+"/v"+r.version)
	req.Header.Set("X-Api-Key", r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST usage-metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		r.log.Warn().Int("status", resp.StatusCode).Str("url", url).
			Msg("lapi usage-metrics returned non-2xx")
	}
	return nil
}

// detectOS reports runtime.GOOS and, where available, VERSION_ID from
// /etc/os-release.
func detectOS() (name, version string) {
	name = runtime.GOOS
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return name, ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "VERSION_ID="); ok {
			return name, strings.Trim(v, `"`)
		}
	}
	return name, ""
}
