package utils

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryWithContext runs fn up to attempts times with exponential backoff
// between tries, bailing out early if ctx is canceled. Used at startup for
// the one-shot CT log list fetch, where a transient DNS blip shouldn't
// immediately count as the terminal "no usable logs" condition.
func RetryWithContext(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			err = fn()
			if err == nil {
				return nil
			}
			if i < attempts-1 {
				select {
				case <-time.After(delay):
					delay *= 2
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	return fmt.Errorf("after %d attempts, last error: %w", attempts, err)
}

// WithTimeoutContext derives a bounded child context from ctx and runs fn
// under it, used to cap the overall startup log-list fetch independent of
// per-attempt HTTP timeouts.
func WithTimeoutContext(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(timeoutCtx)
}

// GenerateShortID returns a random 16-hex-character identifier, used to
// name WebSocket subscribers without coordinating a shared counter.
func GenerateShortID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// EnsureDir creates path and any missing parents.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// SafeWriteFile writes data to a temp file next to path and renames it
// into place, so a crash mid-write never leaves a truncated config behind.
func SafeWriteFile(path string, data []byte, mode os.FileMode) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// NewHTTPClient builds a client with sane connection-pooling defaults and
// the given overall request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}
}

// DefaultHTTPClient is NewHTTPClient with the spec's 30s overall request
// timeout (§5).
func DefaultHTTPClient() *http.Client {
	return NewHTTPClient(30 * time.Second)
}

// BasicLogger is the last-resort logger used when structured logger
// construction itself fails during startup.
func BasicLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}
