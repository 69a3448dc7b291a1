// Package nets builds the proxy-aware dialers shared by the backend HTTP
// client and the push transport.
package nets

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// Dialer dials TCP connections with a context.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialer returns a direct dialer, or one tunnelled through proxyAddr
// (socks5:// or socks:// URL).
func NewDialer(proxyAddr string) (Dialer, error) {
	direct := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	if proxyAddr == "" {
		return direct, nil
	}
	u, err := url.Parse(proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", proxyAddr, err)
	}
	if u.Scheme == "socks" {
		u.Scheme = "socks5"
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("proxy dialer: %w", err)
	}
	cd, ok := d.(Dialer)
	if !ok {
		return nil, fmt.Errorf("proxy %q does not support context dialing", proxyAddr)
	}
	return cd, nil
}

// HTTPClient returns an http.Client whose transport dials through d.
func HTTPClient(d Dialer) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         d.DialContext,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
