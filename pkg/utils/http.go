package utils

import (
	"io"
	"net/http"
)

// DrainAndClose drains and closes rc so the transport can reuse the connection.
func DrainAndClose(rc io.ReadCloser) error {
	if rc == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, rc)
	return rc.Close()
}

// RetryableStatus reports whether an HTTP status is worth retrying against the same service.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
