package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/lattice-compliance/internal/domain"
)

// HTTPSource polls a running `compliance serve` instance.
type HTTPSource struct {
	base   string
	client *http.Client
}

// NewHTTPSource targets baseURL, e.g. http://127.0.0.1:8088.
func NewHTTPSource(baseURL string) (*HTTPSource, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("tui: invalid server url %q", baseURL)
	}
	return &HTTPSource{base: base, client: &http.Client{Timeout: 5 * time.Second}}, nil
}

// Runs implements Source. Errors yield an empty list; the dashboard shows
// the failure through Log instead.
func (s *HTTPSource) Runs(limit int) []domain.WorkflowRun {
	var runs []domain.WorkflowRun
	if err := s.get("/runs?limit="+strconv.Itoa(limit), &runs); err != nil {
		return nil
	}
	return runs
}

// Status fetches one run record.
func (s *HTTPSource) Status(runID string) (domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	err := s.get("/runs/"+url.PathEscape(runID), &run)
	return run, err
}

// Report implements Source.
func (s *HTTPSource) Report(runID string) (domain.Report, error) {
	var report domain.Report
	err := s.get("/runs/"+url.PathEscape(runID)+"/report", &report)
	return report, err
}

// Log implements Source.
func (s *HTTPSource) Log(runID string, n int) ([]string, int, error) {
	var body struct {
		Lines []string `json:"lines"`
		Total int      `json:"total"`
	}
	err := s.get("/runs/"+url.PathEscape(runID)+"/log?n="+strconv.Itoa(n), &body)
	return body.Lines, body.Total, err
}

func (s *HTTPSource) get(path string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("tui: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return fmt.Errorf("tui: GET %s: %s", path, body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
