package gemini

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// ErrImageURLNotAllowed rejects image urls that are not http(s) or that
// resolve to a loopback, private or link-local address.
var ErrImageURLNotAllowed = errors.New("image url not allowed")

func checkImageURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImageURLNotAllowed, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrImageURLNotAllowed, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrImageURLNotAllowed)
	}
	return nil
}

func internalIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast()
}

// newFetchClient returns the client used for user supplied image urls. Unless
// allowInternal is set, the dialer refuses internal addresses after DNS
// resolution, which also covers redirects.
func newFetchClient(allowInternal bool) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !allowInternal {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || internalIP(ip) {
				return fmt.Errorf("%w: %s", ErrImageURLNotAllowed, host)
			}
			return nil
		}
		// A proxy would be dialed instead of the image host and bypass the check.
		transport.Proxy = nil
	}
	transport.DialContext = dialer.DialContext
	return &http.Client{Transport: transport}
}
