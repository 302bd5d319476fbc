package rss

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// SafeClient returns an HTTP client that refuses private, loopback and
// link-local addresses after DNS resolution, and any port but 80 and 443.
func SafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(cfg).Client
}
