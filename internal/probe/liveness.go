package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
)

const (
	// DefaultStatusPort is the AgentAPI port every fleet machine exposes.
	DefaultStatusPort = 3284
	// DefaultStatusPath is the well-known liveness path.
	DefaultStatusPath = "/status"
	// DefaultTimeout bounds each individual check.
	DefaultTimeout = 3 * time.Second
)

// Liveness performs the HTTP status check against a node.
type Liveness struct {
	Client  *http.Client
	Path    string
	Port    int
	Timeout time.Duration
}

// NewLiveness returns a Liveness checker with defaults applied.
func NewLiveness(path string, port int, timeout time.Duration) *Liveness {
	if path == "" {
		path = DefaultStatusPath
	}
	if port <= 0 {
		port = DefaultStatusPort
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Liveness{Client: &http.Client{}, Path: path, Port: port, Timeout: timeout}
}

// Check returns HealthUp for a 2xx answer within the timeout. Every failure
// is reported as HealthDown together with a classified error.
func (l *Liveness) Check(ctx context.Context, address string) (fleet.Health, error) {
	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, StatusURL(address, l.Path, l.Port), nil)
	if err != nil {
		return fleet.HealthDown, fmt.Errorf("%w: %v", fleet.ErrProbeRefused, err)
	}
	resp, err := l.Client.Do(req)
	if err != nil {
		return fleet.HealthDown, classify(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fleet.HealthDown, fmt.Errorf("%w: %d", fleet.ErrProbeStatus, resp.StatusCode)
	}
	return fleet.HealthUp, nil
}

// StatusURL builds the liveness URL for a node address. Addresses may be a
// bare host, host:port, or a full http(s) URL.
func StatusURL(address, path string, port int) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimRight(address, "/") + path
	}
	host := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		host = net.JoinHostPort(strings.Trim(address, "[]"), strconv.Itoa(port))
	}
	return "http://" + host + path
}

func classify(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", fleet.ErrProbeTimeout, err)
	}
	return fmt.Errorf("%w: %v", fleet.ErrProbeRefused, err)
}
