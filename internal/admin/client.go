package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/turtacn/Portus/internal/pool"
	"github.com/turtacn/Portus/internal/resource"
)

// Client talks to a running server's admin API over TCP or a unix socket.
type Client struct {
	base string
	user string
	key  string
	http *http.Client
}

// APIError is a non-2xx answer of the admin API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("admin API answered %d: %s", e.Status, e.Message)
}

// NewClient connects to addr, in any form the listener accepts. user is
// UserAdmin or UserReadOnly.
func NewClient(addr, user, key string, timeout time.Duration) *Client {
	network, address := resource.ParseListenAddress(addr)
	tr := &http.Transport{}
	base := "http://" + address
	if network == "unix" {
		base = "http://portus"
		tr.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", address)
		}
	}
	return &Client{
		base: base,
		user: user,
		key:  key,
		http: &http.Client{Transport: tr, Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.user, c.key)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Pool(ctx context.Context) (pool.Snapshot, error) {
	var snap pool.Snapshot
	err := c.do(ctx, http.MethodGet, "/pool.json", nil, &snap)
	return snap, err
}

func (c *Client) Server(ctx context.Context) (ServerStatus, error) {
	var st ServerStatus
	err := c.do(ctx, http.MethodGet, "/server.json", nil, &st)
	return st, err
}

func (c *Client) RestartGroup(ctx context.Context, name, method string) error {
	return c.do(ctx, http.MethodPost, "/pool/restart_app_group.json", RestartRequest{Name: name, Method: method}, nil)
}

func (c *Client) DetachGroup(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/pool/detach_app_group.json", GroupRequest{Name: name}, nil)
}

func (c *Client) DetachProcess(ctx context.Context, p ProcessRequest) error {
	return c.do(ctx, http.MethodPost, "/pool/detach_process.json", p, nil)
}

// DisableProcess returns the disable result, e.g. "SUCCESS" or "NOOP".
func (c *Client) DisableProcess(ctx context.Context, p ProcessRequest) (string, error) {
	var out struct {
		Result string `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "/pool/disable_process.json", p, &out)
	return out.Result, err
}

func (c *Client) EnableProcess(ctx context.Context, p ProcessRequest) error {
	return c.do(ctx, http.MethodPost, "/pool/enable_process.json", p, nil)
}

func (c *Client) RequestOOBW(ctx context.Context, p ProcessRequest) error {
	return c.do(ctx, http.MethodPost, "/pool/request_oobw.json", p, nil)
}

// Personal.AI order the ending
