package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/drape/core/internal/agentproto"
	"github.com/drape/core/internal/coreerr"
	"github.com/drape/core/internal/domain"
)

// routedRequest builds a request against the provider-global Agent base
// URL, tagged with the routing header so the provider's edge delivers
// it to machineID (§4.2).
func (c *Client) routedRequest(ctx context.Context, method, path, machineID string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.NetworkTimeout, "build agent request", err)
	}
	req.Header.Set(c.cfg.RoutingHeader, machineID)
	return req, nil
}

// Health probes GET /health with the 3s timeout §4.2 mandates. Any
// non-200 or timeout is classified agent-unhealthy.
func (c *Client) Health(ctx context.Context, vm *domain.VM) (*agentproto.HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, agentproto.HealthTimeout)
	defer cancel()

	req, err := c.routedRequest(ctx, http.MethodGet, agentproto.PathHealth, vm.MachineID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.AgentUnhealthy, "health probe failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, coreerr.New(coreerr.AgentUnhealthy, fmt.Sprintf("health probe returned %d", resp.StatusCode))
	}
	var hr agentproto.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return nil, coreerr.Wrap(coreerr.AgentUnhealthy, "decode health response", err)
	}
	return &hr, nil
}

// Exec issues POST /exec. Used directly by the resource monitor; the
// orchestrator's install/start/ready-poll steps call ExecFull.
func (c *Client) Exec(ctx context.Context, vm *domain.VM, command []string, timeout time.Duration) (stdout string, exitCode int, err error) {
	resp, err := c.ExecFull(ctx, vm, agentproto.ExecRequest{Command: command, TimeoutMs: timeout.Milliseconds()})
	if err != nil {
		return "", 0, err
	}
	return resp.Stdout, resp.ExitCode, nil
}

// ExecFull issues POST /exec and returns the full response, including
// stderr and the timed_out flag.
func (c *Client) ExecFull(ctx context.Context, vm *domain.VM, er agentproto.ExecRequest) (*agentproto.ExecResponse, error) {
	callCtx := ctx
	if er.TimeoutMs > 0 && !er.Background {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(er.TimeoutMs)*time.Millisecond+5*time.Second)
		defer cancel()
	}
	body, _ := json.Marshal(er)
	req, err := c.routedRequest(callCtx, http.MethodPost, agentproto.PathExec, vm.MachineID, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, coreerr.New(coreerr.AgentUnhealthy, fmt.Sprintf("exec returned %d", resp.StatusCode))
	}
	var out agentproto.ExecResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, coreerr.Wrap(coreerr.Parse, "decode exec response", err)
	}
	return &out, nil
}

// KillExec signals the Agent to terminate a previously-started
// background exec (§5 cancellation).
func (c *Client) KillExec(ctx context.Context, vm *domain.VM, execID string) error {
	_, err := c.ExecFull(ctx, vm, agentproto.ExecRequest{
		Command: []string{"kill-exec", execID},
	})
	return err
}

// Extract uploads a gzipped tar archive and extracts it into path on
// the VM, preserving entries with any of the given prefixes (§4.2, §4.5).
func (c *Client) Extract(ctx context.Context, vm *domain.VM, archive io.Reader, path string, preserve []string) (*agentproto.ExtractResponse, error) {
	u := fmt.Sprintf("%s?path=%s", agentproto.PathExtract, path)
	if len(preserve) > 0 {
		joined := preserve[0]
		for _, p := range preserve[1:] {
			joined += "," + p
		}
		u += "&preserve=" + joined
	}
	req, err := c.routedRequest(ctx, http.MethodPost, u, vm.MachineID, archive)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/gzip")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, coreerr.New(coreerr.Storage, fmt.Sprintf("extract returned %d", resp.StatusCode))
	}
	var out agentproto.ExtractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, coreerr.Wrap(coreerr.Parse, "decode extract response", err)
	}
	return &out, nil
}

// Upload writes body unchanged to path, with no extraction (§4.2).
func (c *Client) Upload(ctx context.Context, vm *domain.VM, body io.Reader, path string) (*agentproto.UploadResponse, error) {
	u := fmt.Sprintf("%s?path=%s", agentproto.PathUpload, path)
	req, err := c.routedRequest(ctx, http.MethodPost, u, vm.MachineID, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, coreerr.New(coreerr.Storage, fmt.Sprintf("upload returned %d", resp.StatusCode))
	}
	var out agentproto.UploadResponse
	json.NewDecoder(resp.Body).Decode(&out)
	return &out, nil
}

// Download fetches the cache master's current archive of kind
// (§4.2 GET /download?type=). Only the cache master serves this.
func (c *Client) Download(ctx context.Context, cacheMaster *domain.VM, kind string) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s?type=%s", agentproto.PathDownload, kind)
	req, err := c.routedRequest(ctx, http.MethodGet, u, cacheMaster.MachineID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, coreerr.New(coreerr.CacheFetch, fmt.Sprintf("download returned %d", resp.StatusCode))
	}
	return resp.Body, nil
}
