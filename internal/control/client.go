package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// OpenStream allocates a new stream toward target.
func (c *Client) OpenStream(ctx context.Context, name, target string, options map[string]string) (*OpenStreamResponse, error) {
	var out OpenStreamResponse
	if err := c.postJSON(ctx, "/open_stream", OpenStreamRequest{Name: name, Target: target, Options: options}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendData writes data to an open stream.
func (c *Client) SendData(ctx context.Context, streamID uint64, data []byte) (*SendDataResponse, error) {
	var out SendDataResponse
	if err := c.postJSON(ctx, "/send_data", SendDataRequest{StreamID: streamID, Data: data}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseStream closes a stream. Idempotent: closing an unknown stream is not
// an error.
func (c *Client) CloseStream(ctx context.Context, streamID uint64) error {
	return c.postJSON(ctx, "/close_stream", CloseStreamRequest{StreamID: streamID}, nil)
}

// GetInfo retrieves node information and performance figures.
func (c *Client) GetInfo(ctx context.Context) (*NodeInfo, error) {
	resp, err := c.get(ctx, "/get_info")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var info NodeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &info, nil
}

// WatchSettings opens a streamed watch_settings connection and returns the
// HTTP response; each JSON value decoded from its Body is the next settings
// snapshot. Callers must close the response Body when done.
func (c *Client) WatchSettings(ctx context.Context) (*http.Response, error) {
	return c.get(ctx, "/watch_settings")
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://localhost"+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp ErrorResponse
		json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("control: %s: %s", errResp.Kind, errResp.Message)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// get performs a GET request to the control socket.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	url := "http://localhost" + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return resp, nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
