// Package providerclient implements C1: a narrow, typed client for the
// micro-VM provider (create/start/stop/destroy/list/wait-for-state) and
// the Agent HTTP surface (§4.2), which shares the same transport and
// retry concerns.
package providerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drape/core/internal/coreerr"
)

// ErrAlreadyExists is returned by Create when a machine with the
// requested name already exists — callers must recognise this distinct
// error rather than treating it as a generic provider-api failure (§4.1).
var ErrAlreadyExists = errors.New("providerclient: machine already exists")

// Resources describes the requested machine shape.
type Resources struct {
	CPUCores int
	MemoryMB int
}

// Machine is the provider's representation of a VM, independent of the
// domain.VM wrapper (which adds pool bookkeeping). MachineID is opaque
// and assigned by the provider (§3); Name is the caller-supplied value
// passed to CreateMachine and is the only field adoption can reliably
// filter the pool-* naming convention against.
type Machine struct {
	MachineID string
	Name      string
	State     string
	Region    string
}

// Config configures the Client's transport and retry policy (§4.1: base
// 500ms, max 5 attempts, jitter).
type Config struct {
	BaseURL        string
	RoutingHeader  string
	RequestTimeout time.Duration
	RetryBaseDelay time.Duration
	RetryMaxAttempts int
	HTTPClient     *http.Client
}

// Client is the provider + Agent client. One Client instance serves the
// whole process; calls are addressed per-machine via the routing header.
type Client struct {
	cfg Config
	hc  *http.Client
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RoutingHeader == "" {
		cfg.RoutingHeader = "Fly-Force-Instance-Id"
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = 5
	}
	return &Client{cfg: cfg, hc: cfg.HTTPClient}
}

// CreateMachine creates a provider machine. Retrying with the same name
// must either return the existing machine or fail with ErrAlreadyExists
// (§4.1); the provider's API is assumed to encode that as an HTTP 409.
func (c *Client) CreateMachine(ctx context.Context, name, image, region string, env map[string]string, res Resources) (*Machine, error) {
	body := map[string]any{
		"name": name, "image": image, "region": region, "env": env,
		"resources": map[string]int{"cpu_cores": res.CPUCores, "memory_mb": res.MemoryMB},
	}
	var m Machine
	err := c.retryableDo(ctx, http.MethodPost, "/v1/machines", body, &m, func(status int) error {
		if status == http.StatusConflict {
			return ErrAlreadyExists
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Name == "" {
		// Some provider APIs echo name back, some don't; the caller always
		// knows what it asked for.
		m.Name = name
	}
	return &m, nil
}

func (c *Client) StartMachine(ctx context.Context, machineID string) error {
	return c.retryableDo(ctx, http.MethodPost, "/v1/machines/"+machineID+"/start", nil, nil, nil)
}

func (c *Client) StopMachine(ctx context.Context, machineID string) error {
	return c.retryableDo(ctx, http.MethodPost, "/v1/machines/"+machineID+"/stop", nil, nil, nil)
}

func (c *Client) DestroyMachine(ctx context.Context, machineID string) error {
	return c.retryableDo(ctx, http.MethodDelete, "/v1/machines/"+machineID, nil, nil, nil)
}

func (c *Client) ListMachines(ctx context.Context) ([]Machine, error) {
	var list []Machine
	err := c.retryableDo(ctx, http.MethodGet, "/v1/machines", nil, &list, nil)
	return list, err
}

// WaitForState polls the get-machine endpoint (GET /v1/machines/{id})
// until target state is observed or timeout elapses.
func (c *Client) WaitForState(ctx context.Context, machineID, target string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var m Machine
		err := c.retryableDo(ctx, http.MethodGet, "/v1/machines/"+machineID, nil, &m, nil)
		if err == nil && m.State == target {
			return nil
		}
		if time.Now().After(deadline) {
			return coreerr.New(coreerr.NetworkTimeout, fmt.Sprintf("wait_for_state(%s) timed out after %s", target, timeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// retryableDo issues an HTTP call against the provider's base URL with
// exponential backoff for network and 5xx/429 errors; auth failures
// (401/403) and other 4xx are not retried (§4.1, §7 provider-api).
// classify lets callers translate a specific status into a sentinel
// error (e.g. 409 -> ErrAlreadyExists) before the generic path kicks in.
func (c *Client) retryableDo(ctx context.Context, method, path string, body, out any, classify func(status int) error) error {
	op := func() (struct{}, error) {
		status, err := c.doOnce(ctx, method, path, body, out)
		if err != nil {
			return struct{}{}, err
		}
		if classify != nil {
			if cerr := classify(status); cerr != nil {
				return struct{}{}, backoff.Permanent(cerr)
			}
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return struct{}{}, backoff.Permanent(coreerr.New(coreerr.Auth, fmt.Sprintf("provider rejected credentials (%d)", status)))
		}
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return struct{}{}, backoff.Permanent(coreerr.New(coreerr.ProviderAPI, fmt.Sprintf("provider returned %d", status)))
		}
		if status >= 500 || status == http.StatusTooManyRequests {
			return struct{}{}, coreerr.New(coreerr.ProviderAPI, fmt.Sprintf("provider returned %d", status))
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryBaseDelay
	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(c.cfg.RetryMaxAttempts)))
	return unwrapPermanent(err)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) (int, error) {
	var reqBody []byte
	var err error
	if body != nil {
		reqBody, err = json.Marshal(body)
		if err != nil {
			return 0, coreerr.Wrap(coreerr.Parse, "marshal request body", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, jsonReader(reqBody))
	if err != nil {
		return 0, coreerr.Wrap(coreerr.NetworkTimeout, "build request", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, classifyTransportErr(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if derr := json.NewDecoder(resp.Body).Decode(out); derr != nil && resp.StatusCode < 300 {
			return resp.StatusCode, coreerr.Wrap(coreerr.Parse, "decode response body", derr)
		}
	}
	return resp.StatusCode, nil
}

func unwrapPermanent(err error) error {
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}
