// Package jobsource provides a relay.JobBoardSource backed by an HTTP call
// to an external job-allocation service. The allocator itself (database,
// BMP power control, REST admin surface) is out of scope here; this package
// only needs its read-only board-list lookup.
package jobsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/boardaddr"
)

// HTTPSource queries BaseURL + "/jobs/{id}/boards" for a job's board list,
// expecting a JSON array of {"x":, "y":, "hostname":} objects.
type HTTPSource struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

type boardEntry struct {
	X        uint32 `json:"x"`
	Y        uint32 `json:"y"`
	Hostname string `json:"hostname"`
}

func (s *HTTPSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// Boards implements relay.JobBoardSource.
func (s *HTTPSource) Boards(ctx context.Context, jobID string) ([]boardaddr.HostEntry, error) {
	u := fmt.Sprintf("%s/jobs/%s/boards", s.BaseURL, url.PathEscape(jobID))

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if s.APIKey != "" {
		req.Header.Set("X-API-Key", s.APIKey)
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("jobsource: request job %s boards: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jobsource: job %s boards: unexpected status %d", jobID, resp.StatusCode)
	}

	var entries []boardEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("jobsource: decode job %s boards: %w", jobID, err)
	}

	out := make([]boardaddr.HostEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, boardaddr.HostEntry{X: e.X, Y: e.Y, Hostname: e.Hostname})
	}
	return out, nil
}
