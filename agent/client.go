package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/shellsession/shell"
	"github.com/guseggert/shellsession/stream"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client talks to a ShellAgent. It implements shell.Connection.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	addr                     string
	tlsClientConfig          *tls.Config
	dialCtx                  func(ctx context.Context, network, addr string) (net.Conn, error)
	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval      time.Duration
	heartbeatInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeatInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("shellagent_client").Sugar()
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

// NewClient builds a client for the agent at ipAddr:port, authenticating with the client cert in certs.
func NewClient(log *zap.SugaredLogger, certs *Certs, ipAddr string, port int, opts ...ClientOption) (*Client, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	httpDialAddrPort := net.JoinHostPort(ipAddr, fmt.Sprint(port))

	// Don't do DNS lookup for dialing.
	// The URL host is the name in the agent's cert, so TLS verifies against it while we dial the real address.
	// We don't need server authn against public CAs, just authz and encryption.
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", httpDialAddrPort)
	}

	tlsConfig, err := ClientTLSConfig(certs.CA.CertPEM, certs.Client)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	c := &Client{
		Logger:            log.Named("shellagent_client"),
		addr:              httpDialAddrPort,
		baseURL:           fmt.Sprintf("https://%s:%d", ServerName, port),
		tlsClientConfig:   tlsConfig,
		dialCtx:           dialCtx,
		waitInterval:      100 * time.Millisecond,
		heartbeatInterval: 10 * time.Second,
		stopHeartbeat:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			MaxConnsPerHost: 0,
			TLSClientConfig: tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()

	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	u := c.baseURL + "/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// IsConnected reports whether the agent answers a heartbeat.
func (c *Client) IsConnected() bool {
	err := c.SendHeartbeat(context.Background())
	if err != nil {
		c.Logger.Debugf("heartbeat error: %s", err)
		return false
	}
	return true
}

// OpenShell asks the agent to spawn a shell and attaches to it over a WebSocket.
// The channel outlives ctx, which only bounds the handshake.
func (c *Client) OpenShell(ctx context.Context, req shell.ShellRequest) (stream.ByteChannel, error) {
	u := c.baseURL + "/shell?" + shellQuery(req).Encode()

	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(maxMessageSize)

	connCtx, cancel := context.WithCancel(context.Background())
	netConn := websocket.NetConn(connCtx, wsConn, websocket.MessageBinary)
	closer := &cancelCloser{Conn: netConn, cancel: cancel}
	label := "shellagent://" + c.addr
	return stream.New(label, netConn, netConn, closer, stream.WithLogger(c.Logger.Desugar())), nil
}

type cancelCloser struct {
	net.Conn
	cancel context.CancelFunc
}

func (c *cancelCloser) Close() error {
	defer c.cancel()
	return c.Conn.Close()
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// StartHeartbeat keeps the agent's heartbeat check satisfied until StopHeartbeat is called.
func (c *Client) StartHeartbeat() {
	go c.startHeartbeatOnce.Do(func() {
		ticker := time.NewTicker(c.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopHeartbeat:
				return
			case <-ticker.C:
			}
			err := c.SendHeartbeat(context.Background())
			if err != nil {
				c.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}
