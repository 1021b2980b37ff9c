package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ayusman/watchpost/internal/incident"
)

// RemoteStore appends incident records to a remote collection over HTTP. Each
// record is POSTed as JSON to {base}/{collection}; any 2xx status is success.
type RemoteStore struct {
	endpoint string
	client   *http.Client
	headers  http.Header
}

// NewRemoteStore creates a store for the collection under baseURL.
func NewRemoteStore(baseURL, collection string, timeout time.Duration) (*RemoteStore, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote url must be http or https, got %q", baseURL)
	}
	if collection == "" {
		collection = "incidents"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteStore{
		endpoint: base.JoinPath(collection).String(),
		client:   &http.Client{Timeout: timeout},
		headers:  make(http.Header),
	}, nil
}

// SetHeader adds a header, such as Authorization, to every request.
func (s *RemoteStore) SetHeader(key, value string) {
	s.headers.Set(key, value)
}

// Endpoint returns the collection URL.
func (s *RemoteStore) Endpoint() string {
	return s.endpoint
}

type remoteDocument struct {
	ID          string   `json:"id"`
	Timestamp   string   `json:"timestamp"`
	Description string   `json:"description"`
	Labels      []string `json:"labels,omitempty"`
}

// Append implements incident.Store.
func (s *RemoteStore) Append(ctx context.Context, rec incident.Record) error {
	body, err := json.Marshal(remoteDocument{
		ID:          rec.ID,
		Timestamp:   rec.Timestamp,
		Description: rec.Description,
		Labels:      rec.Labels,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range s.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post incident: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post incident: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
