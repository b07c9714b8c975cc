package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/shellsession/transport/local"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ShellAgent is an HTTP agent that serves interactive shells on the host it runs on.
// The agent requires mTLS for both traffic encryption and authz.
type ShellAgent struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string
	shellCmd                []string
	shellDir                string

	shells     *local.Connection
	metrics    *metrics
	httpServer *http.Server

	listenerMut sync.Mutex
	listener    net.Listener

	closeOnce     sync.Once
	closed        chan struct{}
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *ShellAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *ShellAgent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *ShellAgent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *ShellAgent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *ShellAgent) {
		a.logger = l.Named("shellagent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *ShellAgent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithShell sets the shell command line spawned for each client, "/bin/sh" by default.
func WithShell(cmd ...string) Option {
	return func(a *ShellAgent) {
		a.shellCmd = cmd
	}
}

// WithShellDir sets the working directory shells start in.
func WithShellDir(d string) Option {
	return func(a *ShellAgent) {
		a.shellDir = d
	}
}

func HeartbeatFailureShutdown() {
	fmt.Println("heartbeat failed, shutting down")
	cmd := exec.Command("shutdown", "now")
	err := cmd.Run()
	if err != nil {
		fmt.Printf("unable to shutdown host: %s", err)
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// NewShellAgent constructs a new shell agent.
func NewShellAgent(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*ShellAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &ShellAgent{
		logger:           logger.Named("shellagent").Sugar(),
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		shellCmd:         []string{"/bin/sh"},
		metrics:          newMetrics(),
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if len(a.shellCmd) == 0 {
		return nil, errors.New("empty shell command")
	}
	a.shells = local.New(
		local.WithLogger(a.logger.Desugar()),
		local.WithShell(a.shellCmd...),
		local.WithDir(a.shellDir),
	)

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/shell", a.serveShell)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(a.metrics.registry, promhttp.HandlerOpts{}))
	a.httpServer = &http.Server{Handler: router}

	return a, nil
}

// startHeartbeatCheck starts a goroutine that checks for a heartbeat timeout and runs the failure handler when a timeout occurs.
func (a *ShellAgent) startHeartbeatCheck() {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
			}
		}
	}()
}

func (a *ShellAgent) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := ServerTLSConfig(a.caCertPEM, KeyPair{CertPEM: a.certPEM, KeyPEM: a.keyPEM})
	if err != nil {
		tcpListener.Close()
		return fmt.Errorf("building server TLS config: %w", err)
	}

	tlsListener := tls.NewListener(tcpListener, tlsConfig)
	a.listenerMut.Lock()
	a.listener = tlsListener
	a.listenerMut.Unlock()

	a.logger.Debugw("serving", "Addr", tcpListener.Addr().String(), "Shell", a.shellCmd)
	err = a.httpServer.Serve(tlsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Run runs the shell agent and returns once the agent has stopped.
func (a *ShellAgent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

// Addr returns the address the agent listens on, or nil if it isn't listening yet.
func (a *ShellAgent) Addr() net.Addr {
	a.listenerMut.Lock()
	defer a.listenerMut.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *ShellAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// Stop closes the listener and every attached shell.
func (a *ShellAgent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	return a.httpServer.Close()
}
