// Package proxy provides thread-safe proxy rotation for browser launches and
// a local bridge that adds upstream proxy credentials Chromium cannot send.
package proxy

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Endpoint is a parsed proxy address.
type Endpoint struct {
	Scheme   string // http, https or socks5
	Host     string
	Port     int
	Username string
	Password string
}

var proxyRe = regexp.MustCompile(`^(socks5|http|https)://(?:([^:]+):([^@]+)@)?([^:/]+):(\d+)/?$`)

// Parse accepts "scheme://[user:pass@]host:port" or a bare "host:port",
// which is treated as http.
func Parse(raw string) (*Endpoint, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("proxy: empty address")
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	m := proxyRe.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("proxy: malformed address %q", raw)
	}
	port, err := strconv.Atoi(m[5])
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("proxy: invalid port in %q", raw)
	}
	return &Endpoint{
		Scheme:   m[1],
		Host:     m[4],
		Port:     port,
		Username: m[2],
		Password: m[3],
	}, nil
}

// Addr returns "host:port".
func (e *Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Server returns the credential-free "scheme://host:port" form used for
// --proxy-server.
func (e *Endpoint) Server() string {
	return e.Scheme + "://" + e.Addr()
}

// HasAuth reports whether the endpoint carries credentials.
func (e *Endpoint) HasAuth() bool {
	return e.Username != "" && e.Password != ""
}

// String redacts the password.
func (e *Endpoint) String() string {
	if !e.HasAuth() {
		return e.Server()
	}
	return e.Scheme + "://" + e.Username + ":***@" + e.Addr()
}

// ProxyManager holds a list of proxy addresses and rotates through them in a
// round-robin fashion.
//
// Thread-safety: a sync.Mutex serialises all mutations of index, so
// GetNextProxy may be called from any number of goroutines simultaneously
// without data races.
type ProxyManager struct {
	proxies []string
	index   int
	mutex   sync.Mutex
}

// LoadProxies reads a newline-delimited list of proxy addresses from filename
// and stores them in pm.  Lines that are blank or begin with '#' are ignored.
// Every remaining line must be accepted by Parse; the first malformed line
// fails the whole load so a typo does not silently shrink the rotation.
//
// LoadProxies replaces any previously loaded proxies.
func (pm *ProxyManager) LoadProxies(filename string) error {
	f, err := os.Open(filename) // #nosec G304 – filename is an operator-supplied config path
	if err != nil {
		return fmt.Errorf("proxy: open %q: %w", filename, err)
	}
	defer f.Close()

	var loaded []string
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := Parse(line); err != nil {
			return fmt.Errorf("proxy: %s:%d: %w", filename, lineNo, err)
		}
		loaded = append(loaded, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("proxy: read %q: %w", filename, err)
	}

	pm.mutex.Lock()
	pm.proxies = loaded
	pm.index = 0
	pm.mutex.Unlock()
	return nil
}

// GetNextProxy returns the next proxy in the rotation and advances the internal
// index.  If no proxies are loaded it returns an empty string, signalling the
// caller to make a direct connection.
func (pm *ProxyManager) GetNextProxy() string {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if len(pm.proxies) == 0 {
		return ""
	}
	p := pm.proxies[pm.index]
	pm.index = (pm.index + 1) % len(pm.proxies)
	return p
}

// Count returns the number of loaded proxies.
func (pm *ProxyManager) Count() int {
	pm.mutex.Lock()
	n := len(pm.proxies)
	pm.mutex.Unlock()
	return n
}
