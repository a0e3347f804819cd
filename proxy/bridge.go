package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/firasghr/GoCaptchaEngine/logger"
)

const (
	// bridgeIdleTimeout bounds how long a client connection may sit before
	// sending its next request line.
	bridgeIdleTimeout = 30 * time.Second
	// bridgeHeaderTimeout bounds reading one request's headers.
	bridgeHeaderTimeout = 10 * time.Second
	// bridgeDialTimeout bounds connecting to the upstream proxy.
	bridgeDialTimeout = 15 * time.Second
)

// hopHeaders are stripped before a request is forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Bridge is a local, unauthenticated HTTP proxy that forwards everything to
// an authenticated upstream proxy.  Chromium's --proxy-server flag cannot
// carry credentials, so browsers point at the bridge and the bridge adds
// Proxy-Authorization (http/https upstreams) or performs the SOCKS5
// username/password handshake (socks5 upstreams).
//
// CONNECT requests are tunnelled; plain requests are forwarded through an
// http.Transport whose Proxy is the upstream.
type Bridge struct {
	upstream  *Endpoint
	transport *http.Transport
	socks     xproxy.ContextDialer
	log       *logger.Logger

	srv *http.Server
	ln  net.Listener

	mu      sync.Mutex
	tunnels map[net.Conn]struct{}
}

// NewBridge validates upstream and prepares a Bridge.  Call Start to listen.
func NewBridge(upstream string, log *logger.Logger) (*Bridge, error) {
	ep, err := Parse(upstream)
	if err != nil {
		return nil, err
	}
	u := &url.URL{Scheme: ep.Scheme, Host: ep.Addr()}
	if ep.HasAuth() {
		u.User = url.UserPassword(ep.Username, ep.Password)
	}

	dialer := &net.Dialer{Timeout: bridgeDialTimeout}
	b := &Bridge{
		upstream: ep,
		transport: &http.Transport{
			Proxy:               http.ProxyURL(u),
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: bridgeDialTimeout,
			MaxIdleConns:        32,
			IdleConnTimeout:     90 * time.Second,
		},
		log:     log.Named("bridge"),
		tunnels: make(map[net.Conn]struct{}),
	}

	if ep.Scheme == "socks5" {
		var auth *xproxy.Auth
		if ep.HasAuth() {
			auth = &xproxy.Auth{User: ep.Username, Password: ep.Password}
		}
		d, err := xproxy.SOCKS5("tcp", ep.Addr(), auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("proxy: socks5 dialer: %w", err)
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			return nil, errors.New("proxy: socks5 dialer does not support contexts")
		}
		b.socks = cd
	}
	return b, nil
}

// Start binds addr and serves in the background.
func (b *Bridge) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: bridge listen %s: %w", addr, err)
	}
	b.ln = ln
	b.srv = &http.Server{
		Handler:           b,
		ReadHeaderTimeout: bridgeHeaderTimeout,
		IdleTimeout:       bridgeIdleTimeout,
	}
	go func() {
		if err := b.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.log.Error("bridge stopped", "error", err)
		}
	}()
	b.log.Info("bridge listening", "addr", ln.Addr().String(), "upstream", b.upstream.String())
	return nil
}

// Addr returns the bound listen address.
func (b *Bridge) Addr() string {
	if b.ln == nil {
		return ""
	}
	return b.ln.Addr().String()
}

// ProxyServer is the value browsers pass to --proxy-server.
func (b *Bridge) ProxyServer() string {
	return "http://" + b.Addr()
}

// Close stops accepting connections and tears down open tunnels.
func (b *Bridge) Close(ctx context.Context) error {
	var err error
	if b.srv != nil {
		err = b.srv.Shutdown(ctx)
	}
	b.mu.Lock()
	for c := range b.tunnels {
		c.Close()
	}
	b.tunnels = make(map[net.Conn]struct{})
	b.mu.Unlock()
	b.transport.CloseIdleConnections()
	return err
}

// ServeHTTP implements http.Handler.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		b.handleConnect(w, r)
		return
	}
	b.handleForward(w, r)
}

func (b *Bridge) handleForward(w http.ResponseWriter, r *http.Request) {
	if !r.URL.IsAbs() {
		http.Error(w, "bridge: absolute request URI required", http.StatusBadRequest)
		return
	}
	out := r.Clone(r.Context())
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := b.transport.RoundTrip(out)
	if err != nil {
		b.log.Debug("forward failed", "url", r.URL.Redacted(), "error", err)
		http.Error(w, "bridge: upstream error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for _, h := range hopHeaders {
		resp.Header.Del(h)
	}
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (b *Bridge) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), bridgeDialTimeout)
	up, err := b.dialTunnel(ctx, r.Host)
	cancel()
	if err != nil {
		b.log.Debug("tunnel failed", "target", r.Host, "error", err)
		http.Error(w, "bridge: upstream error", http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		up.Close()
		http.Error(w, "bridge: hijacking unsupported", http.StatusInternalServerError)
		return
	}
	client, rw, err := hj.Hijack()
	if err != nil {
		up.Close()
		return
	}
	if _, err := client.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n")); err != nil {
		client.Close()
		up.Close()
		return
	}
	if n := rw.Reader.Buffered(); n > 0 {
		pending, _ := rw.Reader.Peek(n)
		if _, err := up.Write(pending); err != nil {
			client.Close()
			up.Close()
			return
		}
	}

	b.track(client, up)
	pipe(client, up)
	b.untrack(client, up)
}

// dialTunnel opens a raw byte stream to target through the upstream.
func (b *Bridge) dialTunnel(ctx context.Context, target string) (net.Conn, error) {
	if b.socks != nil {
		return b.socks.DialContext(ctx, "tcp", target)
	}

	d := &net.Dialer{Timeout: bridgeDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", b.upstream.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	if b.upstream.Scheme == "https" {
		tc := tls.Client(conn, &tls.Config{ServerName: b.upstream.Host, MinVersion: tls.VersionTLS12})
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("upstream tls: %w", err)
		}
		conn = tc
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if b.upstream.HasAuth() {
		req.Header.Set("Proxy-Authorization", "Basic "+basicAuth(b.upstream.Username, b.upstream.Password))
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		conn.Close()
		return nil, fmt.Errorf("upstream refused CONNECT: %s", resp.Status)
	}
	_ = conn.SetDeadline(time.Time{})
	return &bufferedConn{Conn: conn, r: br}, nil
}

func (b *Bridge) track(conns ...net.Conn) {
	b.mu.Lock()
	for _, c := range conns {
		b.tunnels[c] = struct{}{}
	}
	b.mu.Unlock()
}

func (b *Bridge) untrack(conns ...net.Conn) {
	b.mu.Lock()
	for _, c := range conns {
		delete(b.tunnels, c)
	}
	b.mu.Unlock()
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// pipe copies in both directions until either side ends, then closes both.
func pipe(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	cp := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		dst.Close()
		src.Close()
	}
	go cp(a, b)
	go cp(b, a)
	wg.Wait()
}

// bufferedConn drains bytes the CONNECT response reader already buffered.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
