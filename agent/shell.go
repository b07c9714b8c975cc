package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guseggert/shellsession/shell"
	"github.com/guseggert/shellsession/stream"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// maxMessageSize bounds a single WebSocket message, comfortably above one shell read.
const maxMessageSize = 1 << 20

// shellQuery encodes a shell request as /shell query parameters.
func shellQuery(req shell.ShellRequest) url.Values {
	q := url.Values{}
	q.Set("term", req.TermType)
	q.Set("cols", strconv.Itoa(req.Width))
	q.Set("rows", strconv.Itoa(req.Height))
	q.Set("unit", req.Unit.String())
	for k, v := range req.Env {
		q.Add("env", k+"="+v)
	}
	return q
}

func parseShellQuery(q url.Values) (shell.ShellRequest, error) {
	req := shell.ShellRequest{
		TermType: shell.DefaultTerminalType,
		Width:    shell.DefaultTerminalWidth,
		Height:   shell.DefaultTerminalHeight,
		Env:      map[string]string{},
	}
	if t := q.Get("term"); t != "" {
		req.TermType = t
	}
	for _, dim := range []struct {
		name string
		dest *int
	}{{"cols", &req.Width}, {"rows", &req.Height}} {
		s := q.Get(dim.name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return req, fmt.Errorf("invalid %s %q", dim.name, s)
		}
		*dim.dest = n
	}
	unit, err := shell.ParseTerminalUnit(q.Get("unit"))
	if err != nil {
		return req, err
	}
	req.Unit = unit
	for _, kv := range q["env"] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return req, fmt.Errorf("invalid env %q", kv)
		}
		req.Env[k] = v
	}
	return req, nil
}

// serveShell spawns a shell and attaches it to a WebSocket, binary messages carry raw terminal bytes both ways.
func (a *ShellAgent) serveShell(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	req, err := parseShellQuery(r.URL.Query())
	if err != nil {
		a.metrics.shellsOpened.WithLabelValues("invalid").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ch, err := a.shells.OpenShell(r.Context(), req)
	if err != nil {
		a.metrics.shellsOpened.WithLabelValues("error").Inc()
		a.logger.Debugf("error opening shell: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer ch.Close()

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.metrics.shellsOpened.WithLabelValues("error").Inc()
		a.logger.Debugf("shell WebSocket accept error: %s", err)
		return
	}
	wsConn.SetReadLimit(maxMessageSize)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	remoteConn := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)

	a.metrics.shellsOpened.WithLabelValues("ok").Inc()
	a.metrics.shellsActive.Inc()
	start := time.Now()
	defer func() {
		a.metrics.shellsActive.Dec()
		a.metrics.shellDuration.Observe(time.Since(start).Seconds())
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-a.closed:
			remoteConn.Close()
			ch.Close()
		case <-done:
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		defer remoteConn.Close()
		return a.copyToRemote(remoteConn, ch)
	})
	g.Go(func() error {
		defer ch.Close()
		n, err := io.Copy(ch, remoteConn)
		a.metrics.bytesCopied.WithLabelValues("in").Add(float64(n))
		if err != nil && !errors.Is(err, stream.ErrClosed) {
			return fmt.Errorf("copying to shell: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		a.logger.Debugf("shell ended with error: %s", err)
	}
	a.logger.Debugw("shell ended", "Duration", time.Since(start))
}

func (a *ShellAgent) copyToRemote(remoteConn net.Conn, ch stream.ByteChannel) error {
	for {
		b, err := ch.Read(0)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, stream.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading shell: %w", err)
		}
		n, err := remoteConn.Write(b)
		a.metrics.bytesCopied.WithLabelValues("out").Add(float64(n))
		if err != nil {
			return fmt.Errorf("copying to remote: %w", err)
		}
	}
}
