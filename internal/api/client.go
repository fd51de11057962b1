package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a queue API. The trigger command uses it to ping the queue and to
// start workers from cron.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Ping submits a task of the ping type, which the API records as trigger activity.
func (c *Client) Ping(ctx context.Context, pingType, id string) error {
	path := fmt.Sprintf("/queue/add/%s/%s", url.PathEscape(pingType), url.PathEscape(id))
	return c.post(ctx, path, nil, http.StatusCreated)
}

// SpawnWorker asks the API to start a detached worker run.
func (c *Client) SpawnWorker(ctx context.Context, retire bool) error {
	q := url.Values{}
	if retire {
		q.Set("retire", "1")
	}
	return c.post(ctx, "/queue/worker", q, http.StatusAccepted)
}

func (c *Client) post(ctx context.Context, path string, q url.Values, want int) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == want {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, packetSize)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("POST %s: %d %s", path, resp.StatusCode, body.Error)
}
