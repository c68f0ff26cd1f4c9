package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
	"github.com/wenwu/saas-platform/vps-service/internal/apperr"
	"github.com/wenwu/saas-platform/vps-service/internal/metrics"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
)

const maxErrorBody = 512

// UPID is the opaque handle Proxmox returns for an asynchronous task.
// An empty UPID means the call completed synchronously.
type UPID string

// HypervisorError is returned for any non-2xx Proxmox response.
type HypervisorError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *HypervisorError) Error() string {
	return fmt.Sprintf("proxmox %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// HTTPStatus maps remote rejections to 502 on the operator surface.
func (e *HypervisorError) HTTPStatus() int {
	return http.StatusBadGateway
}

// IsGuestMissing reports whether err says the addressed guest does not exist.
// PVE answers 500 with "does not exist" for an unknown vmid on a node.
func IsGuestMissing(err error) bool {
	var herr *HypervisorError
	if !errors.As(err, &herr) {
		return false
	}
	if herr.StatusCode == http.StatusNotFound {
		return true
	}
	return herr.StatusCode == http.StatusInternalServerError && strings.Contains(herr.Message, "does not exist")
}

// ProxmoxOptions configures a ProxmoxClient.
type ProxmoxOptions struct {
	BaseURL     string
	TokenID     string
	TokenSecret string
	InsecureTLS bool
	Timeout     time.Duration
}

// ProxmoxClient calls the Proxmox VE REST API. It never retries: whether a
// call may be repeated is decided by the job that issued it.
type ProxmoxClient struct {
	baseURL     string
	tokenID     string
	tokenSecret string
	httpClient  *http.Client
	resolver    *dnscache.Resolver
}

// NewProxmoxClient creates a new Proxmox API client.
func NewProxmoxClient(opts ProxmoxOptions) *ProxmoxClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	resolver := &dnscache.Resolver{}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         cachedDialer(resolver),
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.InsecureTLS {
		log.Warn().Str("proxmox", opts.BaseURL).Msg("TLS verification disabled for Proxmox API")
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit operator opt-in
	}

	return &ProxmoxClient{
		baseURL:     strings.TrimRight(opts.BaseURL, "/") + "/api2/json",
		tokenID:     opts.TokenID,
		tokenSecret: opts.TokenSecret,
		httpClient:  &http.Client{Timeout: timeout, Transport: transport},
		resolver:    resolver,
	}
}

// Node is a cluster member as reported by GET /nodes.
type Node struct {
	Node   string  `json:"node"`
	Status string  `json:"status"`
	CPU    float64 `json:"cpu"`
	MaxCPU int     `json:"maxcpu"`
	Mem    uint64  `json:"mem"`
	MaxMem uint64  `json:"maxmem"`
	Uptime int64   `json:"uptime"`
}

// GuestStatus is the live state from status/current.
type GuestStatus struct {
	Name    string  `json:"name"`
	Status  string  `json:"status"`
	CPU     float64 `json:"cpu"`
	CPUs    float64 `json:"cpus"`
	Mem     uint64  `json:"mem"`
	MaxMem  uint64  `json:"maxmem"`
	Disk    uint64  `json:"disk"`
	MaxDisk uint64  `json:"maxdisk"`
	NetIn   uint64  `json:"netin"`
	NetOut  uint64  `json:"netout"`
	Uptime  int64   `json:"uptime"`
}

// Snapshot is a guest snapshot entry. The pseudo-entry "current" is filtered out.
type Snapshot struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SnapTime    int64  `json:"snaptime,omitempty"`
	Parent      string `json:"parent,omitempty"`
}

// TaskStatus is the state of an asynchronous task.
type TaskStatus struct {
	UPID       string `json:"upid"`
	Node       string `json:"node"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus,omitempty"`
}

// Finished reports whether the task reached a terminal state.
func (t *TaskStatus) Finished() bool {
	return t.Status == "stopped"
}

// CloneRequest describes a full clone from a template.
type CloneRequest struct {
	Node       string
	Kind       models.GuestKind
	TemplateID int
	NewID      int
	Hostname   string
	Pool       string
	Storage    string
}

// CreateRequest describes a guest created from scratch (LXC from an ostemplate).
type CreateRequest struct {
	Node   string
	Kind   models.GuestKind
	VMID   int
	Params url.Values
}

// GetNodes lists cluster nodes.
func (c *ProxmoxClient) GetNodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := c.do(ctx, http.MethodGet, "/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// CreateGuest creates a new guest on a node.
func (c *ProxmoxClient) CreateGuest(ctx context.Context, req *CreateRequest) (UPID, error) {
	if err := validateGuest(req.Node, req.Kind, req.VMID); err != nil {
		return "", err
	}

	form := url.Values{}
	for k, v := range req.Params {
		form[k] = v
	}
	form.Set("vmid", strconv.Itoa(req.VMID))

	log.Info().Str("node", req.Node).Str("kind", string(req.Kind)).Int("vmid", req.VMID).Msg("Creating guest")
	return c.doTask(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/%s", url.PathEscape(req.Node), req.Kind), form)
}

// CloneGuest clones a template into a new guest id.
func (c *ProxmoxClient) CloneGuest(ctx context.Context, req *CloneRequest) (UPID, error) {
	if err := validateGuest(req.Node, req.Kind, req.NewID); err != nil {
		return "", err
	}
	if req.TemplateID <= 0 {
		return "", apperr.Validation("template_id", "must be positive")
	}

	form := url.Values{}
	form.Set("newid", strconv.Itoa(req.NewID))
	form.Set("full", "1")
	if req.Kind == models.GuestKindLXC {
		form.Set("hostname", req.Hostname)
	} else {
		form.Set("name", req.Hostname)
	}
	if req.Pool != "" {
		form.Set("pool", req.Pool)
	}
	if req.Storage != "" {
		form.Set("storage", req.Storage)
	}

	log.Info().
		Str("node", req.Node).
		Str("kind", string(req.Kind)).
		Int("template_id", req.TemplateID).
		Int("vmid", req.NewID).
		Msg("Cloning guest from template")

	return c.doTask(ctx, http.MethodPost, guestPath(req.Node, req.Kind, req.TemplateID)+"/clone", form)
}

// UpdateConfig applies configuration keys to a guest.
func (c *ProxmoxClient) UpdateConfig(ctx context.Context, node string, kind models.GuestKind, vmid int, params url.Values) (UPID, error) {
	if err := validateGuest(node, kind, vmid); err != nil {
		return "", err
	}
	return c.doTask(ctx, http.MethodPut, guestPath(node, kind, vmid)+"/config", params)
}

// ResizeDisk grows a guest disk to an absolute size in gigabytes.
func (c *ProxmoxClient) ResizeDisk(ctx context.Context, node string, kind models.GuestKind, vmid int, disk string, sizeGB int) (UPID, error) {
	if err := validateGuest(node, kind, vmid); err != nil {
		return "", err
	}
	if disk == "" || sizeGB <= 0 {
		return "", apperr.Validation("disk", "disk name and positive size are required")
	}

	form := url.Values{}
	form.Set("disk", disk)
	form.Set("size", fmt.Sprintf("%dG", sizeGB))
	return c.doTask(ctx, http.MethodPut, guestPath(node, kind, vmid)+"/resize", form)
}

// StartGuest powers a guest on.
func (c *ProxmoxClient) StartGuest(ctx context.Context, node string, kind models.GuestKind, vmid int) (UPID, error) {
	return c.statusAction(ctx, node, kind, vmid, "start")
}

// StopGuest powers a guest off immediately.
func (c *ProxmoxClient) StopGuest(ctx context.Context, node string, kind models.GuestKind, vmid int) (UPID, error) {
	return c.statusAction(ctx, node, kind, vmid, "stop")
}

// RebootGuest restarts a running guest.
func (c *ProxmoxClient) RebootGuest(ctx context.Context, node string, kind models.GuestKind, vmid int) (UPID, error) {
	return c.statusAction(ctx, node, kind, vmid, "reboot")
}

// DeleteGuest destroys a guest and purges it from backup/replication jobs.
func (c *ProxmoxClient) DeleteGuest(ctx context.Context, node string, kind models.GuestKind, vmid int) (UPID, error) {
	if err := validateGuest(node, kind, vmid); err != nil {
		return "", err
	}
	form := url.Values{}
	form.Set("purge", "1")
	return c.doTask(ctx, http.MethodDelete, guestPath(node, kind, vmid), form)
}

// GetGuestStatus reads the live status of a guest.
func (c *ProxmoxClient) GetGuestStatus(ctx context.Context, node string, kind models.GuestKind, vmid int) (*GuestStatus, error) {
	if err := validateGuest(node, kind, vmid); err != nil {
		return nil, err
	}
	var status GuestStatus
	if err := c.do(ctx, http.MethodGet, guestPath(node, kind, vmid)+"/status/current", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CreateSnapshot takes a snapshot of a guest.
func (c *ProxmoxClient) CreateSnapshot(ctx context.Context, node string, kind models.GuestKind, vmid int, name, description string) (UPID, error) {
	if err := validateGuest(node, kind, vmid); err != nil {
		return "", err
	}
	form := url.Values{}
	form.Set("snapname", name)
	if description != "" {
		form.Set("description", description)
	}
	return c.doTask(ctx, http.MethodPost, guestPath(node, kind, vmid)+"/snapshot", form)
}

// ListSnapshots lists the snapshots of a guest.
func (c *ProxmoxClient) ListSnapshots(ctx context.Context, node string, kind models.GuestKind, vmid int) ([]Snapshot, error) {
	if err := validateGuest(node, kind, vmid); err != nil {
		return nil, err
	}
	var raw []Snapshot
	if err := c.do(ctx, http.MethodGet, guestPath(node, kind, vmid)+"/snapshot", nil, &raw); err != nil {
		return nil, err
	}
	snapshots := make([]Snapshot, 0, len(raw))
	for _, s := range raw {
		if s.Name == "current" {
			continue
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, nil
}

// GetTaskStatus reads the state of an asynchronous task.
func (c *ProxmoxClient) GetTaskStatus(ctx context.Context, node string, upid UPID) (*TaskStatus, error) {
	if node == "" {
		return nil, apperr.Validation("node", "must not be empty")
	}
	if upid == "" {
		return nil, apperr.Validation("upid", "must not be empty")
	}
	var status TaskStatus
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(string(upid)))
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RefreshDNSLoop periodically drops unused entries from the DNS cache.
func (c *ProxmoxClient) RefreshDNSLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.resolver.Refresh(true)
		}
	}
}

func (c *ProxmoxClient) statusAction(ctx context.Context, node string, kind models.GuestKind, vmid int, action string) (UPID, error) {
	if err := validateGuest(node, kind, vmid); err != nil {
		return "", err
	}
	log.Info().Str("node", node).Int("vmid", vmid).Str("action", action).Msg("Guest power action")
	return c.doTask(ctx, http.MethodPost, guestPath(node, kind, vmid)+"/status/"+action, nil)
}

func (c *ProxmoxClient) doTask(ctx context.Context, method, path string, form url.Values) (UPID, error) {
	var upid *string
	if err := c.do(ctx, method, path, form, &upid); err != nil {
		return "", err
	}
	if upid == nil {
		return "", nil
	}
	return UPID(*upid), nil
}

func (c *ProxmoxClient) do(ctx context.Context, method, path string, form url.Values, out any) error {
	endpoint := c.baseURL + path

	var body io.Reader
	if len(form) > 0 {
		if method == http.MethodGet || method == http.MethodDelete {
			endpoint += "?" + form.Encode()
		} else {
			body = strings.NewReader(form.Encode())
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", c.tokenID, c.tokenSecret))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.HypervisorRequests.WithLabelValues(method, "error").Inc()
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	metrics.HypervisorRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HypervisorError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp, respBody),
		}
	}

	if out == nil {
		return nil
	}
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

// errorMessage prefers the reason phrase PVE puts in the status line, then
// the structured "errors" map, then the raw body.
func errorMessage(resp *http.Response, body []byte) string {
	var parts []string
	if reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))); reason != "" && reason != http.StatusText(resp.StatusCode) {
		parts = append(parts, reason)
	}

	var payload struct {
		Message string            `json:"message"`
		Errors  map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			parts = append(parts, strings.TrimSpace(payload.Message))
		}
		for field, msg := range payload.Errors {
			parts = append(parts, field+": "+strings.TrimSpace(msg))
		}
	} else if text := strings.TrimSpace(string(body)); text != "" {
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		parts = append(parts, text)
	}

	if len(parts) == 0 {
		return http.StatusText(resp.StatusCode)
	}
	return strings.Join(parts, "; ")
}

func validateGuest(node string, kind models.GuestKind, vmid int) error {
	if strings.TrimSpace(node) == "" {
		return apperr.Validation("node", "must not be empty")
	}
	if kind != models.GuestKindQEMU && kind != models.GuestKindLXC {
		return apperr.Validation("kind", "unsupported guest kind %q", kind)
	}
	if vmid <= 0 {
		return apperr.Validation("vmid", "must be positive")
	}
	return nil
}

func guestPath(node string, kind models.GuestKind, vmid int) string {
	return fmt.Sprintf("/nodes/%s/%s/%d", url.PathEscape(node), kind, vmid)
}

// cachedDialer resolves through the DNS cache and dials the first address
// that accepts a connection.
func cachedDialer(resolver *dnscache.Resolver) func(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		if net.ParseIP(host) != nil {
			return dialer.DialContext(ctx, network, address)
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no addresses for %s", host)
		}
		return nil, lastErr
	}
}
