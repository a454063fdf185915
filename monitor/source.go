package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/overtonx/loanbus/broker"
)

// StatsSource reports queue depth and consumer count.
type StatsSource interface {
	QueueStats(ctx context.Context, queue string) (broker.QueueStats, error)
}

var (
	_ StatsSource = (*broker.Memory)(nil)
	_ StatsSource = (*ManagementAPI)(nil)
)

// ManagementAPI reads queue stats from the RabbitMQ management plugin.
type ManagementAPI struct {
	baseURL    string
	vhost      string
	username   string
	password   string
	httpClient *http.Client
}

// NewManagementAPI creates a source for baseURL, e.g. http://rabbitmq:15672.
// An empty vhost means "/".
func NewManagementAPI(baseURL, vhost, username, password string, httpClient *http.Client) *ManagementAPI {
	if vhost == "" {
		vhost = "/"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &ManagementAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		vhost:      vhost,
		username:   username,
		password:   password,
		httpClient: httpClient,
	}
}

// QueueStats calls GET /api/queues/{vhost}/{name}.
func (m *ManagementAPI) QueueStats(ctx context.Context, queue string) (broker.QueueStats, error) {
	endpoint := m.baseURL + "/api/queues/" + url.PathEscape(m.vhost) + "/" + url.PathEscape(queue)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return broker.QueueStats{}, fmt.Errorf("build stats request for %s: %w", queue, err)
	}
	req.Header.Set("Accept", "application/json")
	if m.username != "" {
		req.SetBasicAuth(m.username, m.password)
	}

	res, err := m.httpClient.Do(req)
	if err != nil {
		return broker.QueueStats{}, fmt.Errorf("stats request for %s: %w", queue, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return broker.QueueStats{}, fmt.Errorf("stats %s: %w", queue, broker.ErrUnknownQueue)
	case res.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return broker.QueueStats{}, fmt.Errorf("stats %s: management API responded %d: %s", queue, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var stats broker.QueueStats
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		return broker.QueueStats{}, fmt.Errorf("decode stats for %s: %w", queue, err)
	}
	if stats.Name == "" {
		stats.Name = queue
	}
	return stats, nil
}
