// Package proxy wires the TLS-intercepting transport spec.md §1 names as an
// external collaborator: it owns the MITM certificate authority, accepts
// CONNECT tunnels, and for the one WebSocket upgrade request on each tunnel
// hands the connection to internal/wsproxy. Every other request on the
// tunnel is forwarded transparently.
//
// Grounded on other_examples/3f0bd37d_nicetooo-adbGUI__proxy-proxy.go.go's
// goproxy.ProxyHttpServer + ConnectHijack + bidirectional transfer() idiom.
// That example MITMs via goproxy's own per-request loop (OnRequest().DoFunc
// + OnResponse().DoFunc) for plain HTTP(S); this proxy instead always takes
// the ConnectHijack path and drives the TLS handshake itself, because
// goproxy's MITM loop has no hook for taking over a connection mid-stream
// for a protocol upgrade — exactly the generalisation the reference file's
// handleHijackConnect already models for its non-MITM rate-limited tunnel.
package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/majsoul/liqiproxy/internal/forwarder"
	"github.com/majsoul/liqiproxy/internal/modifier"
	"github.com/majsoul/liqiproxy/internal/session"
	"github.com/majsoul/liqiproxy/internal/wsproxy"
)

// Proxy owns the goproxy server and the per-connection MITM/upgrade logic.
type Proxy struct {
	server        *goproxy.ProxyHttpServer
	tlsConfigFunc func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error)

	newParser func() *session.Parser
	mod       *modifier.Modifier
	fwd       *forwarder.Forwarder
}

// New builds a Proxy that signs per-host leaf certificates under ca and
// hands intercepted WebSocket upgrades to newParser/mod/fwd.
func New(ca tls.Certificate, newParser func() *session.Parser, mod *modifier.Modifier, fwd *forwarder.Forwarder) *Proxy {
	p := &Proxy{
		server:        goproxy.NewProxyHttpServer(),
		tlsConfigFunc: goproxy.TLSConfigFromCA(&ca),
		newParser:     newParser,
		mod:           mod,
		fwd:           fwd,
	}
	p.server.Verbose = false

	p.server.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		slog.Debug("proxy: CONNECT", "host", host)
		return &goproxy.ConnectAction{
			Action: goproxy.ConnectHijack,
			Hijack: p.handleConnect,
		}, host
	})

	return p
}

// Handler exposes the underlying goproxy server as an http.Handler, for
// tests and for serving plain (non-CONNECT) requests on the listener.
func (p *Proxy) Handler() http.Handler { return p.server }

// ListenAndServe binds addr and serves CONNECT tunnels until the listener
// errors (including on graceful Close from a parent context).
func (p *Proxy) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: p.server}
	return srv.Serve(ln)
}

// handleConnect implements the ConnectHijack callback: TLS-terminate the
// client's CONNECT tunnel with a leaf cert for host, read the single
// request on it, and either splice it into a WebSocket session or forward
// it (and the remainder of the connection) transparently.
func (p *Proxy) handleConnect(req *http.Request, clientConn net.Conn, ctx *goproxy.ProxyCtx) {
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		slog.Debug("proxy: writing CONNECT ack failed", "error", err)
		return
	}

	host := req.URL.Hostname()
	if host == "" {
		host = req.Host
	}
	tlsConfig, err := p.tlsConfigFunc(host, ctx)
	if err != nil {
		slog.Warn("proxy: generating leaf certificate failed", "host", host, "error", err)
		return
	}

	tlsConn := tls.Server(clientConn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("proxy: TLS handshake with client failed", "host", host, "error", err)
		return
	}
	defer tlsConn.Close()

	br := bufio.NewReader(tlsConn)
	httpReq, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			slog.Debug("proxy: reading decrypted request failed", "host", host, "error", err)
		}
		return
	}
	httpReq.URL.Scheme = "https"
	if httpReq.URL.Host == "" {
		httpReq.URL.Host = host
	}

	if isWebsocketUpgrade(httpReq) {
		p.handleWebsocketUpgrade(httpReq, tlsConn, br, host)
		return
	}

	p.passthrough(httpReq, tlsConn, host)
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// handleWebsocketUpgrade splices the intercepted connection into
// internal/wsproxy: it builds a minimal http.ResponseWriter shim over the
// already-established TLS connection (gorilla/websocket's Upgrader only
// needs Hijack to succeed; it writes the handshake response itself) and
// dials the real server from there.
func (p *Proxy) handleWebsocketUpgrade(r *http.Request, conn net.Conn, br *bufio.Reader, host string) {
	targetURL := "wss://" + host + r.URL.RequestURI()
	observedOnly := r.URL.Path == wsproxy.ObservedPathPrefix
	if observedOnly {
		slog.Debug("proxy: observed-path websocket, relaying without parsing", "path", r.URL.Path)
	}

	w := &hijackedResponseWriter{conn: conn, br: br, header: make(http.Header)}
	sess, err := wsproxy.Upgrade(w, r, targetURL, p.newParser(), p.mod, p.fwd, observedOnly)
	if err != nil {
		slog.Warn("proxy: websocket upgrade failed", "host", host, "error", err)
		return
	}
	sess.Run(r.Context())
}

// passthrough forwards one non-WebSocket request transparently to the real
// server and then splices the raw connection for the remainder of its
// lifetime (HTTP keep-alive, further requests), same shape as the reference
// proxy's transfer() helper.
func (p *Proxy) passthrough(r *http.Request, clientConn net.Conn, host string) {
	upstream, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", host+":443", &tls.Config{ServerName: hostOnly(host)})
	if err != nil {
		slog.Debug("proxy: dialing upstream failed", "host", host, "error", err)
		return
	}
	defer upstream.Close()

	if err := r.Write(upstream); err != nil {
		slog.Debug("proxy: writing request upstream failed", "host", host, "error", err)
		return
	}

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstream, clientConn); done <- struct{}{} }()
	go func() { io.Copy(clientConn, upstream); done <- struct{}{} }()
	<-done
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// hijackedResponseWriter adapts an already-terminated TLS connection into
// the http.ResponseWriter+http.Hijacker shape gorilla/websocket's Upgrader
// requires, without going through a real net/http server for this
// connection (goproxy's ConnectHijack hands us the raw conn directly).
type hijackedResponseWriter struct {
	conn   net.Conn
	br     *bufio.Reader
	header http.Header
	status int
}

func (w *hijackedResponseWriter) Header() http.Header { return w.header }

func (w *hijackedResponseWriter) Write(b []byte) (int, error) { return w.conn.Write(b) }

func (w *hijackedResponseWriter) WriteHeader(status int) { w.status = status }

func (w *hijackedResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw := bufio.NewReadWriter(w.br, bufio.NewWriter(w.conn))
	return w.conn, rw, nil
}
