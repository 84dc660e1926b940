package offlinecache

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"strings"
)

// upstreamTransport sends requests for the page origin to another address,
// e.g. when the origin URL is a public name and the server is reached by IP.
type upstreamTransport struct {
	origin     url.URL
	addr       string
	hostHeader string
	upstream   http.RoundTripper
	network    http.RoundTripper
}

// NewUpstreamTransport returns a round tripper that rewrites requests for
// origin to addr and uses network for everything else.
// serverName, if set, is used as the Host header and for TLS negotiation.
func NewUpstreamTransport(origin url.URL, addr, serverName string, network http.RoundTripper) http.RoundTripper {
	if network == nil {
		network = http.DefaultTransport
	}
	if addr == "" {
		addr = origin.Host
	}
	hostHeader := origin.Host
	upstream := network
	if serverName != "" {
		hostHeader = serverName
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{
			ServerName: serverName,
		}
		upstream = transport
	}
	return &upstreamTransport{
		origin:     origin,
		addr:       addr,
		hostHeader: hostHeader,
		upstream:   upstream,
		network:    network,
	}
}

func (t *upstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !strings.EqualFold(req.URL.Scheme, t.origin.Scheme) || !strings.EqualFold(req.URL.Host, t.origin.Host) {
		return t.network.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	out.URL.Host = t.addr
	out.Host = t.hostHeader
	res, err := t.upstream.RoundTrip(out)
	if res != nil {
		// callers see the request they made
		res.Request = req
	}
	return res, err
}
