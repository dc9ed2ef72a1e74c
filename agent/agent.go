package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/procprovider/agent/channel"
	"github.com/guseggert/procprovider/supervisor"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// DefaultPrivilegedGroups are the groups allowed to spawn streaming processes and ptys.
var DefaultPrivilegedGroups = []string{"admin"}

// Agent is the HTTP service that exposes a process supervisor to authenticated users.
// Process output is pushed to the owner's channel connections.
type Agent struct {
	logger *zap.SugaredLogger

	auth             Authenticator
	privilegedGroups []string
	listenAddr       string
	tlsConfig        *tls.Config
	supervisorOpts   []supervisor.Option

	hub        *channel.Hub
	supervisor *supervisor.Supervisor

	mut        sync.Mutex
	httpServer *http.Server
	stop       func()
	addr       net.Addr
}

type Option func(a *Agent)

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithPrivilegedGroups sets the groups allowed to use /proc/spawn and /proc/pty.
// An empty list opens them to every authenticated user.
func WithPrivilegedGroups(groups ...string) Option {
	return func(a *Agent) {
		a.privilegedGroups = groups
	}
}

// WithTLSConfig makes the agent serve HTTPS.
func WithTLSConfig(c *tls.Config) Option {
	return func(a *Agent) {
		a.tlsConfig = c
	}
}

func WithSupervisorOptions(opts ...supervisor.Option) Option {
	return func(a *Agent) {
		a.supervisorOpts = append(a.supervisorOpts, opts...)
	}
}

// New constructs an agent that authenticates every request except the health check with auth.
func New(auth Authenticator, opts ...Option) (*Agent, error) {
	if auth == nil {
		return nil, errors.New("an authenticator is required")
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:           logger.Named("agent").Sugar(),
		auth:             auth,
		privilegedGroups: DefaultPrivilegedGroups,
		listenAddr:       "0.0.0.0:8080",
	}
	for _, o := range opts {
		o(a)
	}

	a.hub = channel.NewHub(a.logger.Named("channel"))
	supervisorOpts := append([]supervisor.Option{supervisor.WithLogger(a.logger.Named("supervisor"))}, a.supervisorOpts...)
	a.supervisor, err = supervisor.New(&hubBroadcaster{hub: a.hub}, supervisorOpts...)
	if err != nil {
		return nil, fmt.Errorf("building supervisor: %w", err)
	}
	a.registerChannelHandlers()
	return a, nil
}

// Supervisor returns the agent's process supervisor.
func (a *Agent) Supervisor() *supervisor.Supervisor {
	return a.supervisor
}

// Handler returns the agent's routes.
func (a *Agent) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", a.healthz)
	a.route(router, http.MethodGet, "/proc/channel", a.channel)
	a.route(router, http.MethodPost, "/proc/exec", a.procExec)
	a.route(router, http.MethodPost, "/proc/spawn", a.procSpawn, a.privilegedGroups...)
	a.route(router, http.MethodPost, "/proc/pty", a.procPty, a.privilegedGroups...)
	a.route(router, http.MethodPost, "/proc/kill", a.procKill)
	return router
}

// Run serves HTTP and runs the session reaper until ctx is done or Stop is called.
// All sessions are killed before it returns.
func (a *Agent) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if a.tlsConfig != nil {
		listener = tls.NewListener(listener, a.tlsConfig)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	server := &http.Server{Handler: a.Handler()}

	a.mut.Lock()
	a.httpServer = server
	a.stop = cancel
	a.addr = listener.Addr()
	a.mut.Unlock()

	a.logger.Infow("agent listening", "Addr", listener.Addr().String(), "TLS", a.tlsConfig != nil)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.supervisor.RunReaper(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		a.hub.Close()
		a.supervisor.Shutdown()
		return server.Close()
	})
	group.Go(func() error {
		err := server.Serve(listener)
		cancel()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	return group.Wait()
}

// Addr returns the address the agent is listening on, or nil if it is not running.
func (a *Agent) Addr() net.Addr {
	a.mut.Lock()
	defer a.mut.Unlock()
	return a.addr
}

func (a *Agent) Stop() error {
	a.mut.Lock()
	stop := a.stop
	a.mut.Unlock()
	if stop == nil {
		return errors.New("agent is not running")
	}
	stop()
	return nil
}

func (a *Agent) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	writeJSON(a.logger, w, http.StatusOK, struct {
		Sessions int    `json:"sessions"`
		Time     string `json:"time"`
	}{
		Sessions: len(a.supervisor.Sessions()),
		Time:     time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *Agent) channel(w http.ResponseWriter, r *http.Request, params httprouter.Params, id Identity) {
	a.hub.Serve(w, r, id)
}
