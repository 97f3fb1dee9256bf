package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/net/http2"

	"github.com/secureailabs/sail-dataset-upload/internal/config"
	"github.com/secureailabs/sail-dataset-upload/internal/constants"
)

// NewAPIClient returns the client used for control-plane calls: the shared
// proxy configuration, TLS verification per control_plane.verify_tls, and
// transparent gzip for JSON responses.
func NewAPIClient(cfg *config.Config) (*nethttp.Client, error) {
	client, err := ConfigureHTTPClient(cfg, ClientOptions{VerifyTLS: cfg.ControlPlaneVerifyTLS})
	if err != nil {
		return nil, err
	}
	client.Transport = gzhttp.Transport(client.Transport)
	return client, nil
}

// CreateOptimizedClient creates an HTTP client tuned for large package
// uploads to Azure or S3, honoring storage.verify_tls.
//
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - Larger connection pool for concurrent range uploads
//   - HTTP/2 unless a proxy is active or DISABLE_HTTP2=true
//   - Compression disabled; packages are already zip archives
func CreateOptimizedClient(cfg *config.Config) (*nethttp.Client, error) {
	baseClient, err := ConfigureHTTPClient(cfg, ClientOptions{VerifyTLS: cfg.StorageVerifyTLS})
	if err != nil {
		return nil, err
	}

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM wraps the transport in a negotiator; leave it untouched.
		return baseClient, nil
	}

	tr.MaxIdleConns = 512
	tr.MaxIdleConnsPerHost = 100
	tr.MaxConnsPerHost = 100
	tr.IdleConnTimeout = constants.HTTPIdleConnTimeout
	tr.TLSHandshakeTimeout = constants.HTTPTLSHandshakeTimeout
	tr.ExpectContinueTimeout = constants.HTTPExpectContinueTimeout

	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	// Proxies often break HTTP/2 multiplexing mid-transfer.
	if os.Getenv("DISABLE_HTTP2") == "true" || proxyActive(cfg) {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	baseClient.Transport = tr
	return baseClient, nil
}

func proxyActive(cfg *config.Config) bool {
	switch cfg.ProxyMode {
	case "no-proxy", "":
		return false
	case "system":
		return os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
			os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	default:
		return true
	}
}
