package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/guseggert/procprovider/agent/channel"
	"github.com/guseggert/procprovider/supervisor"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	ErrNotConnected   = errors.New("channel not connected")
	ErrKilled         = errors.New("process killed")
	ErrChannelClosed  = errors.New("channel closed")
	defaultPingPeriod = 10 * time.Second
)

// StatusError is a non-200 response from the agent.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-200 HTTP status code %d: %s", e.Code, e.Message)
}

// Client talks to an agent: it launches and kills processes over HTTP, and receives their output
// and keeps them alive over the channel.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	token                    string
	tlsConfig                *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)
	transport                *http.Transport

	waitInterval time.Duration
	pingInterval time.Duration

	procs *processTable

	channelMut sync.Mutex
	channel    *channel.Client
	stopPing   chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

// WithClientPingInterval sets how often live processes are pinged. It must be shorter than the agent's ping timeout.
func WithClientPingInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("procclient").Sugar()
	}
}

func WithClientToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithClientTLSConfig is for agents serving HTTPS, e.g. with a config from ClientTLSConfig for mTLS.
func WithClientTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// checkRetry only retries requests that never got a response.
// Anything the agent answered, including a 500 for a failed launch, is final, so a launch is never repeated.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// NewClient builds a client for the agent at baseURL, e.g. "http://127.0.0.1:8080".
func NewClient(log *zap.SugaredLogger, baseURL string, opts ...ClientOption) (*Client, error) {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("unsupported agent URL %q", baseURL)
	}
	c := &Client{
		Logger:       log.Named("procclient"),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
		pingInterval: defaultPingPeriod,
		procs:        newProcessTable(),
	}

	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	c.transport = &http.Transport{
		DialContext:     dialer.DialContext,
		TLSClientConfig: c.tlsConfig,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: c.transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.CheckRetry = checkRetry
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.prepReq(httpReq)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		msg := string(respBody)
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &StatusError{Code: httpResp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// WaitForServer polls the health endpoint until it responds or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.checkHealth(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

func (c *Client) checkHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}
	return nil
}

// Exec runs a command on the agent and returns its buffered output once it exits.
func (c *Client) Exec(ctx context.Context, cmd supervisor.CommandDescription, args ...string) (*supervisor.ExecResult, error) {
	var res supervisor.ExecResult
	err := c.post(ctx, "/proc/exec", ProcRequest{Name: uuid.NewString(), Cmd: cmd, Args: args}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Kill kills a session by name, returning whether it was still running.
func (c *Client) Kill(ctx context.Context, name string) (bool, error) {
	var found bool
	err := c.post(ctx, "/proc/kill", KillRequest{Name: name}, &found)
	if err != nil {
		return false, err
	}
	if p := c.procs.Get(name); p != nil {
		c.procs.Remove(name)
		p.finish(-1, ErrKilled)
	}
	return found, nil
}

// StartRequest describes a streaming process.
type StartRequest struct {
	Cmd  supervisor.CommandDescription
	Args []string

	// Stdout receives stdout for spawned processes, and all terminal output for ptys.
	Stdout io.Writer
	Stderr io.Writer
}

// Spawn starts a streaming process. Connect must have been called first.
func (c *Client) Spawn(ctx context.Context, req StartRequest) (*Process, error) {
	return c.start(ctx, "/proc/spawn", supervisor.KindSpawn, req)
}

// Pty starts a process in a pseudo-terminal. Connect must have been called first.
func (c *Client) Pty(ctx context.Context, req StartRequest) (*Process, error) {
	return c.start(ctx, "/proc/pty", supervisor.KindPty, req)
}

func (c *Client) start(ctx context.Context, path string, kind supervisor.Kind, req StartRequest) (*Process, error) {
	ch := c.currentChannel()
	if ch == nil {
		return nil, ErrNotConnected
	}
	p := &Process{
		Name:   uuid.NewString(),
		Kind:   kind,
		client: c,
		stdout: req.Stdout,
		stderr: req.Stderr,
		done:   make(chan struct{}),
	}
	c.procs.Add(p)

	var ok bool
	err := c.post(ctx, path, ProcRequest{Name: p.Name, Cmd: req.Cmd, Args: req.Args}, &ok)
	if err != nil {
		c.procs.Remove(p.Name)
		return nil, err
	}
	c.Logger.Debugw("started process", "Name", p.Name, "Kind", kind)
	return p, nil
}

func (c *Client) currentChannel() *channel.Client {
	c.channelMut.Lock()
	defer c.channelMut.Unlock()
	return c.channel
}

func (c *Client) channelURL() string {
	if strings.HasPrefix(c.baseURL, "https://") {
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + "/proc/channel"
	}
	return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + "/proc/channel"
}

// Connect opens the channel that delivers process output and carries input and pings.
func (c *Client) Connect(ctx context.Context) error {
	c.channelMut.Lock()
	defer c.channelMut.Unlock()
	if c.channel != nil {
		return nil
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	ch, err := channel.Dial(ctx, c.Logger.Named("channel"), c.channelURL(), &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: c.transport},
		HTTPHeader: header,
	})
	if err != nil {
		return err
	}
	c.channel = ch
	c.stopPing = make(chan struct{})

	go c.dispatch(ch)
	go c.ping(ch, c.stopPing)
	return nil
}

// Close closes the channel. Processes still running on the agent will be reaped once their pings stop.
func (c *Client) Close() error {
	c.channelMut.Lock()
	ch := c.channel
	c.channel = nil
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	c.channelMut.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Close()
}

func (c *Client) dispatch(ch *channel.Client) {
	for msg := range ch.Messages() {
		if msg.Event != EventOutput {
			c.Logger.Debugw("ignoring channel event", "Event", msg.Event)
			continue
		}
		var header EventHeader
		if err := msg.Decode(&header); err != nil {
			c.Logger.Debugw("bad output event", "Error", err)
			continue
		}
		p := c.procs.Get(header.Name)
		if p == nil {
			c.Logger.Debugw("output for unknown process", "Name", header.Name, "Type", header.Type)
			continue
		}
		c.handleEvent(p, header, msg)
	}

	err := ch.Err()
	if err == nil {
		err = ErrChannelClosed
	}
	c.procs.CloseAll(err)

	c.channelMut.Lock()
	if c.channel == ch {
		c.channel = nil
		if c.stopPing != nil {
			close(c.stopPing)
			c.stopPing = nil
		}
	}
	c.channelMut.Unlock()
}

func (c *Client) handleEvent(p *Process, header EventHeader, msg channel.Message) {
	switch supervisor.EventType(header.Type) {
	case supervisor.EventExit:
		var code int
		if err := msg.Decode(&header, &code); err != nil {
			c.Logger.Debugw("bad exit event", "Error", err)
			code = -1
		}
		c.procs.Remove(p.Name)
		p.finish(code, nil)
	case supervisor.EventError:
		var text string
		if err := msg.Decode(&header, &text); err != nil {
			c.Logger.Debugw("bad error event", "Error", err)
			return
		}
		p.addError(text)
	case supervisor.EventStdout, supervisor.EventData, supervisor.EventStderr:
		var data string
		if err := msg.Decode(&header, &data); err != nil {
			c.Logger.Debugw("bad output event", "Error", err)
			return
		}
		w := p.stdout
		if header.Type == string(supervisor.EventStderr) {
			w = p.stderr
		}
		if err := writeAll(w, []byte(data)); err != nil {
			c.Logger.Debugw("writing process output", "Name", p.Name, "Error", err)
		}
	default:
		c.Logger.Debugw("unknown output event type", "Name", p.Name, "Type", header.Type)
	}
}

// ping keeps every live process from being reaped.
func (c *Client) ping(ch *channel.Client, stop chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		for _, name := range c.procs.Names() {
			ctx, cancel := context.WithTimeout(context.Background(), c.pingInterval)
			err := ch.Emit(ctx, EventPing, name)
			cancel()
			if err != nil {
				c.Logger.Debugf("ping error: %s", err)
			}
		}
	}
}

// Process is a streaming process started through the client.
type Process struct {
	Name string
	Kind supervisor.Kind

	client *Client
	stdout io.Writer
	stderr io.Writer

	m        sync.Mutex
	errors   []string
	code     int
	err      error
	finished bool
	done     chan struct{}
}

// Write sends input to the process.
func (p *Process) Write(ctx context.Context, data []byte) error {
	ch := p.client.currentChannel()
	if ch == nil {
		return ErrNotConnected
	}
	// frames are split so that a large write fits under the channel's read limit once JSON-encoded
	for len(data) > 0 {
		n := len(data)
		if n > supervisor.MaxChunkSize {
			n = supervisor.MaxChunkSize
			for n > 0 && !utf8.RuneStart(data[n]) {
				n--
			}
			if n == 0 {
				n = supervisor.MaxChunkSize
			}
		}
		if err := ch.Emit(ctx, EventStdin, p.Name, string(data[:n])); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Resize changes the terminal size of a pty process.
func (p *Process) Resize(ctx context.Context, cols, rows uint16) error {
	ch := p.client.currentChannel()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Emit(ctx, EventResize, p.Name, cols, rows)
}

func (p *Process) Kill(ctx context.Context) (bool, error) {
	return p.client.Kill(ctx, p.Name)
}

// Errors returns the error events received for the process so far.
func (p *Process) Errors() []string {
	p.m.Lock()
	defer p.m.Unlock()
	return append([]string(nil), p.errors...)
}

// Wait waits for the process to exit and returns its exit code.
// It returns an error if the process was killed, or if the channel closed before the process exited.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.done:
	}
	p.m.Lock()
	defer p.m.Unlock()
	return p.code, p.err
}

func (p *Process) addError(text string) {
	p.m.Lock()
	defer p.m.Unlock()
	p.errors = append(p.errors, text)
}

func (p *Process) finish(code int, err error) {
	p.m.Lock()
	defer p.m.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.code = code
	p.err = err
	close(p.done)
}
