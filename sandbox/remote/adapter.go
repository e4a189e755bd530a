// Package remote implements the sandbox adapter as a client of a remote
// sandbox service speaking JSON over HTTP.
//
// Resources:
//
//	POST   /v1/sandboxes                          create
//	GET    /v1/sandboxes/{h}                      alive
//	DELETE /v1/sandboxes/{h}                      destroy
//	POST   /v1/sandboxes/{h}/exec                 run a command
//	POST   /v1/sandboxes/{h}/exec/{id}/cancel     kill a running command
//	GET|PUT|DELETE /v1/sandboxes/{h}/files?path=  file contents
//	POST   /v1/sandboxes/{h}/files/move           rename
//	GET|POST /v1/sandboxes/{h}/dirs               list and create directories
//	POST   /v1/sandboxes/{h}/ports                expose a port
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/sandbox"
)

const (
	defaultRequestTimeout = 60 * time.Second
	cancelTimeout         = 10 * time.Second
	maxErrorBody          = 64 << 10
)

// Adapter talks to a remote sandbox service.
type Adapter struct {
	logger         *zap.Logger
	baseURL        *url.URL
	token          string
	requestTimeout time.Duration
	client         *http.Client
}

var (
	_ sandbox.Adapter         = (*Adapter)(nil)
	_ sandbox.LivenessChecker = (*Adapter)(nil)
	_ sandbox.Mover           = (*Adapter)(nil)
)

// Option defines a functional option for Adapter
type Option func(*Adapter)

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		a.client = client
	}
}

// WithToken sets the bearer token sent with every request
func WithToken(token string) Option {
	return func(a *Adapter) {
		a.token = token
	}
}

// WithRequestTimeout bounds every request except the command itself
func WithRequestTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.requestTimeout = d
		}
	}
}

// New creates a remote adapter for the service at baseURL.
func New(log *zap.Logger, baseURL string, opts ...Option) (*Adapter, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote base url %q: scheme must be http or https", baseURL)
	}

	a := &Adapter{
		logger:         log.With(zap.String(logger.KeyAdapter, sandbox.KindRemote), zap.String("base_url", u.String())),
		baseURL:        u,
		requestTimeout: defaultRequestTimeout,
		client:         &http.Client{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Kind implements sandbox.Adapter.
func (*Adapter) Kind() string {
	return sandbox.KindRemote
}

type createBody struct {
	SessionID      string                 `json:"session_id"`
	Template       string                 `json:"template"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	Env            map[string]string      `json:"env,omitempty"`
	Metadata       map[string]string      `json:"metadata,omitempty"`
	Workdir        string                 `json:"workdir,omitempty"`
	Resources      sandbox.ResourceLimits `json:"resources"`
	Ports          map[string]int         `json:"ports,omitempty"`
}

type execBody struct {
	ExecID         string            `json:"exec_id"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env,omitempty"`
	Workdir        string            `json:"workdir,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty"`
	Stdin          []byte            `json:"stdin,omitempty"`
}

type execResponse struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     []byte `json:"stdout"`
	Stderr     []byte `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

type mkdirBody struct {
	Path    string `json:"path"`
	Parents bool   `json:"parents"`
}

type moveBody struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

type listResponse struct {
	Entries []sandbox.FileInfo `json:"entries"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Create provisions a sandbox on the remote service.
func (a *Adapter) Create(ctx context.Context, req sandbox.CreateRequest) (sandbox.CreateResult, error) {
	body := createBody{
		SessionID:      req.SessionID,
		Template:       req.Template,
		TimeoutSeconds: int(req.Timeout / time.Second),
		Env:            req.Env,
		Metadata:       req.Metadata,
		Workdir:        req.Workdir,
		Resources:      req.Resources,
	}
	if len(req.Ports) > 0 {
		body.Ports = make(map[string]int, len(req.Ports))
		for container, host := range req.Ports {
			body.Ports[strconv.Itoa(container)] = host
		}
	}

	var res sandbox.CreateResult
	if err := a.do(ctx, opCreate, http.MethodPost, "/v1/sandboxes", nil, body, &res); err != nil {
		return sandbox.CreateResult{}, err
	}
	if res.Handle == "" {
		return sandbox.CreateResult{}, fmt.Errorf("%w: remote returned no handle", errdefs.ErrProvision)
	}
	if res.Status == "" {
		res.Status = sandbox.StatusRunning
	}
	return res, nil
}

// Exec runs a command remotely. When ctx is cancelled the request is aborted
// and the service is asked to kill the command.
func (a *Adapter) Exec(ctx context.Context, handle string, req sandbox.ExecRequest) (sandbox.CommandResult, error) {
	if len(req.Command) == 0 {
		return sandbox.CommandResult{}, fmt.Errorf("%w: empty command", errdefs.ErrExec)
	}

	body := execBody{
		ExecID:  uuid.NewString(),
		Command: req.Command,
		Env:     req.Env,
		Workdir: req.Workdir,
		Stdin:   req.Stdin,
	}
	if req.Timeout > 0 {
		body.TimeoutSeconds = req.Timeout.Seconds()
	}

	var res execResponse
	err := a.doUnbounded(ctx, opExec, http.MethodPost, a.sandboxPath(handle, "exec"), nil, body, &res)
	if err != nil {
		if ctx.Err() != nil {
			a.cancelExec(handle, body.ExecID)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return sandbox.CommandResult{}, fmt.Errorf("%w: %w", errdefs.ErrTimeout, ctx.Err())
			}
			return sandbox.CommandResult{}, ctx.Err()
		}
		return sandbox.CommandResult{}, err
	}

	return sandbox.CommandResult{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: time.Duration(res.DurationMS) * time.Millisecond,
	}, nil
}

func (a *Adapter) cancelExec(handle, execID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	p := a.sandboxPath(handle, "exec", execID, "cancel")
	if err := a.do(ctx, opOther, http.MethodPost, p, nil, nil, nil); err != nil {
		a.logger.Warn("failed to cancel remote command",
			zap.String(logger.KeyHandle, handle), zap.String("exec_id", execID), zap.Error(err))
	}
}

// ReadFile downloads a file.
func (a *Adapter) ReadFile(ctx context.Context, handle, p string) ([]byte, error) {
	resp, cancel, err := a.send(ctx, a.requestTimeout, http.MethodGet, a.sandboxPath(handle, "files"), url.Values{"path": {p}}, nil, "")
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(opOther, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", errdefs.ErrExec, p, err)
	}
	return data, nil
}

// WriteFile uploads a file. The service replaces it atomically.
func (a *Adapter) WriteFile(ctx context.Context, handle, p string, data []byte) error {
	resp, cancel, err := a.send(ctx, a.requestTimeout, http.MethodPut, a.sandboxPath(handle, "files"),
		url.Values{"path": {p}}, bytes.NewReader(data), "application/octet-stream")
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError(opOther, resp)
	}
	return nil
}

// ListDir lists a directory.
func (a *Adapter) ListDir(ctx context.Context, handle, p string) ([]sandbox.FileInfo, error) {
	var res listResponse
	if err := a.do(ctx, opOther, http.MethodGet, a.sandboxPath(handle, "dirs"), url.Values{"path": {p}}, nil, &res); err != nil {
		return nil, err
	}
	if res.Entries == nil {
		res.Entries = []sandbox.FileInfo{}
	}
	return res.Entries, nil
}

// MakeDir creates a directory.
func (a *Adapter) MakeDir(ctx context.Context, handle, p string, parents bool) error {
	return a.do(ctx, opOther, http.MethodPost, a.sandboxPath(handle, "dirs"), nil, mkdirBody{Path: p, Parents: parents}, nil)
}

// Remove deletes a file or directory.
func (a *Adapter) Remove(ctx context.Context, handle, p string, recursive bool) error {
	query := url.Values{"path": {p}, "recursive": {strconv.FormatBool(recursive)}}
	return a.do(ctx, opOther, http.MethodDelete, a.sandboxPath(handle, "files"), query, nil, nil)
}

// Move renames a path.
func (a *Adapter) Move(ctx context.Context, handle, src, dst string) error {
	return a.do(ctx, opOther, http.MethodPost, a.sandboxPath(handle, "files", "move"), nil, moveBody{Src: src, Dst: dst}, nil)
}

// ExposePort asks the service to publish a port.
func (a *Adapter) ExposePort(ctx context.Context, handle string, req sandbox.PortRequest) (sandbox.Binding, error) {
	var b sandbox.Binding
	if err := a.do(ctx, opOther, http.MethodPost, a.sandboxPath(handle, "ports"), nil, req, &b); err != nil {
		return sandbox.Binding{}, err
	}
	return b, nil
}

// Alive reports whether the service still knows the sandbox.
func (a *Adapter) Alive(ctx context.Context, handle string) (bool, error) {
	var res sandbox.CreateResult
	err := a.do(ctx, opOther, http.MethodGet, a.sandboxPath(handle), nil, nil, &res)
	switch {
	case err == nil:
		return res.Status == "" || res.Status == sandbox.StatusRunning, nil
	case errdefs.IsNotFound(err), errdefs.IsSandboxGone(err):
		return false, nil
	default:
		return false, err
	}
}

// Destroy deletes the sandbox. A 404 counts as success.
func (a *Adapter) Destroy(ctx context.Context, handle string) error {
	err := a.do(ctx, opOther, http.MethodDelete, a.sandboxPath(handle), nil, nil, nil)
	if errdefs.IsNotFound(err) || errdefs.IsSandboxGone(err) {
		return nil
	}
	return err
}

func (*Adapter) sandboxPath(handle string, parts ...string) string {
	p := "/v1/sandboxes/" + url.PathEscape(handle)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

type operation int

const (
	opOther operation = iota
	opCreate
	opExec
)

// do sends a JSON request bounded by the request timeout and decodes a JSON
// response into out when out is non-nil.
func (a *Adapter) do(ctx context.Context, op operation, method, p string, query url.Values, in, out any) error {
	return a.roundTrip(ctx, a.requestTimeout, op, method, p, query, in, out)
}

// doUnbounded is do without the request timeout, for calls whose duration
// is governed by the caller.
func (a *Adapter) doUnbounded(ctx context.Context, op operation, method, p string, query url.Values, in, out any) error {
	return a.roundTrip(ctx, 0, op, method, p, query, in, out)
}

func (a *Adapter) roundTrip(ctx context.Context, timeout time.Duration, op operation, method, p string, query url.Values, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	resp, cancel, err := a.send(ctx, timeout, method, p, query, body, contentType)
	if err != nil {
		if op == opCreate && ctx.Err() == nil {
			return fmt.Errorf("%w: %w", errdefs.ErrProvision, err)
		}
		return err
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return statusError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s response: %w", errdefs.ErrExec, method, p, err)
	}
	return nil
}

// send issues a request. The returned cancel func must be called once the
// response body has been consumed.
func (a *Adapter) send(ctx context.Context, timeout time.Duration, method, p string, query url.Values, body io.Reader, contentType string) (*http.Response, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	target := a.baseURL.String() + p
	if query != nil {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && timeout > 0 {
			return nil, nil, fmt.Errorf("%w: %s %s: %w", errdefs.ErrTimeout, method, p, err)
		}
		return nil, nil, fmt.Errorf("%w: %s %s: %w", errdefs.ErrExec, method, p, err)
	}
	return resp, cancel, nil
}

// statusError maps a non-2xx response to the error taxonomy.
func statusError(op operation, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(data))
	var decoded errorResponse
	if json.Unmarshal(data, &decoded) == nil && decoded.Error != "" {
		msg = decoded.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	detail := fmt.Errorf("remote %s %s: %d %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, msg)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", errdefs.ErrNotFound, detail)
	case http.StatusGone:
		return errdefs.Gone(detail)
	case http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", errdefs.ErrPermission, detail)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %w", errdefs.ErrTimeout, detail)
	case http.StatusNotImplemented:
		return fmt.Errorf("%w: %w", errdefs.ErrUnsupported, detail)
	case http.StatusUnprocessableEntity, http.StatusServiceUnavailable:
		if op == opCreate {
			return fmt.Errorf("%w: %w", errdefs.ErrProvision, detail)
		}
	}
	return fmt.Errorf("%w: %w", errdefs.ErrExec, detail)
}
