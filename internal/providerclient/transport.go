package providerclient

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/url"

	"github.com/drape/core/internal/coreerr"
)

func jsonReader(b []byte) io.Reader {
	if b == nil {
		return nil
	}
	return bytes.NewReader(b)
}

// classifyTransportErr maps a low-level net/http transport failure into
// the closed error taxonomy: DNS resolution failures are network-dns,
// everything else that reaches here is network-timeout (the http.Client
// already enforces RequestTimeout).
func classifyTransportErr(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return coreerr.Wrap(coreerr.NetworkDNS, "dns resolution failed", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return coreerr.Wrap(coreerr.NetworkTimeout, "request timed out", err)
	}
	return coreerr.Wrap(coreerr.NetworkTimeout, "transport error", err)
}
