package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/config"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

// apiClient talks to a running daemon over its HTTP API using the same
// config file the daemon reads.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// newAPIClient builds a client pointed at the configured listen address.
func newAPIClient() (*apiClient, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	return &apiClient{
		base:  baseURL(cfg.Server.Listen),
		token: cfg.Server.AuthToken,
		// Create and regenerate block up to the pairing wait, so give
		// requests generous headroom.
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// baseURL turns a listen address into something dialable; wildcard hosts
// become loopback.
func baseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *apiClient) del(path string) error {
	return c.do(http.MethodDelete, path, nil, nil)
}

func (c *apiClient) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s (is it running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return apiError(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// apiError surfaces the daemon's error shape; anything unparsable falls back
// to the status code.
func apiError(status int, data []byte) error {
	var body struct {
		Error *protocol.ErrorShape `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != nil {
		return fmt.Errorf("%s (%s)", body.Error.Message, body.Error.Code)
	}
	return fmt.Errorf("daemon answered %s", http.StatusText(status))
}

// httpProbeClient is for quick reachability checks; it must not hang a CLI
// command for long.
func httpProbeClient() *http.Client {
	return &http.Client{Timeout: 2 * time.Second}
}

// printJSON renders v as indented JSON on stdout.
func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
