package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

// Failure taxonomy of the control surface. BackendUnavailable is the only
// transient one; the rest are semantic answers and are never retried.
var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnknownNode        = errors.New("unknown node")
	ErrProbeTimeout       = errors.New("probe timeout")
	ErrProbeFailed        = errors.New("probe failed")
)

// groupTypes are the selector/builtin entries the controller mixes into
// its proxy listing; they are not switchable upstream nodes.
var groupTypes = map[string]bool{
	"Selector":    true,
	"URLTest":     true,
	"Fallback":    true,
	"LoadBalance": true,
	"Relay":       true,
	"Direct":      true,
	"Reject":      true,
	"Compatible":  true,
	"Pass":        true,
}

// Config wires a Client to one daemon's control API.
type Config struct {
	ControllerURL string
	Secret        string        // bearer token, empty when the controller is open
	Selector      string        // selection group, usually GLOBAL
	ProbeURL      string        // URL the daemon probes nodes against
	ProxyAddress  string        // mixed listener, used for egress lookups
	Timeout       time.Duration // per control call
}

// Client is a thin, retryable client over the daemon's HTTP control
// surface. It is safe for concurrent use; callers serialize SetActive
// themselves around their decide-then-apply sections.
type Client struct {
	http      *resty.Client
	selector  string
	probeURL  string
	proxyAddr string
	timeout   time.Duration
}

func NewClient(cfg Config) *Client {
	selector := cfg.Selector
	if selector == "" {
		selector = "GLOBAL"
	}
	httpClient := resty.New().
		SetHostURL(strings.TrimRight(cfg.ControllerURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry transport failures only. A response from the backend,
			// whatever its status, is a semantic answer.
			if err == nil {
				return false
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			return true
		})
	if cfg.Secret != "" {
		httpClient.SetAuthToken(cfg.Secret)
	}
	return &Client{
		http:      httpClient,
		selector:  selector,
		probeURL:  cfg.ProbeURL,
		proxyAddr: cfg.ProxyAddress,
		timeout:   cfg.Timeout,
	}
}

type proxyEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Now  string `json:"now"`
}

type proxiesResponse struct {
	Proxies map[string]proxyEntry `json:"proxies"`
}

// ListProxies returns the switchable node names currently configured in
// the backend, sorted for deterministic logs.
func (c *Client) ListProxies(ctx context.Context) ([]string, error) {
	var out proxiesResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/proxies")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: list proxies returned %s", ErrBackendUnavailable, resp.Status())
	}
	names := make([]string, 0, len(out.Proxies))
	for name, entry := range out.Proxies {
		if groupTypes[entry.Type] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetActive reads the backend's currently selected node. The backend may
// have been mutated out-of-band, so callers must treat this as the
// authoritative state before any switch decision.
func (c *Client) GetActive(ctx context.Context) (string, error) {
	var out proxyEntry
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).
		Get("/proxies/" + url.PathEscape(c.selector))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("%w: read selector %q returned %s", ErrBackendUnavailable, c.selector, resp.Status())
	}
	return out.Now, nil
}

// SetActive switches the backend's selected node. This changes live
// routing for every in-flight connection through the daemon; it is not
// idempotent from the traffic's point of view.
func (c *Client) SetActive(ctx context.Context, name string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"name": name}).
		Put("/proxies/" + url.PathEscape(c.selector))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	switch resp.StatusCode() {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusBadRequest, http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownNode, name)
	default:
		return fmt.Errorf("%w: set active returned %s", ErrBackendUnavailable, resp.Status())
	}
}

type delayResponse struct {
	Delay   int    `json:"delay"`
	Message string `json:"message"`
}

// ProbeDelay asks the backend to measure a node's round-trip latency
// against the probe URL, bounded by the given timeout.
func (c *Client) ProbeDelay(ctx context.Context, name string, timeout time.Duration) (int, error) {
	var out delayResponse
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&out).
		SetQueryParam("url", c.probeURL).
		SetQueryParam("timeout", strconv.FormatInt(timeout.Milliseconds(), 10)).
		Get("/proxies/" + url.PathEscape(name) + "/delay")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return out.Delay, nil
	case http.StatusRequestTimeout:
		return 0, fmt.Errorf("%w: %s", ErrProbeTimeout, name)
	case http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s not found", ErrProbeFailed, name)
	default:
		msg := out.Message
		if msg == "" {
			msg = resp.Status()
		}
		return 0, fmt.Errorf("%w: %s: %s", ErrProbeFailed, name, msg)
	}
}

// ReloadConfig asks the daemon to re-read its config file, picking up a
// freshly rendered pool.
func (c *Client) ReloadConfig(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody("{}").
		Put("/configs")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if resp.StatusCode() != http.StatusNoContent && resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: reload returned %s", ErrBackendUnavailable, resp.Status())
	}
	return nil
}

var egressEchoURLs = []string{
	"http://ipinfo.io/ip",
	"http://ifconfig.me",
	"http://api.ipify.org",
}

// EgressIP reports the public address traffic currently exits from, by
// asking an echo service through the daemon's mixed listener. Best
// effort, used for post-switch logging.
func (c *Client) EgressIP(ctx context.Context) (string, error) {
	if c.proxyAddr == "" {
		return "", errors.New("no proxy address configured")
	}
	probe := resty.New().
		SetProxy(c.proxyAddr).
		SetTimeout(c.timeout).
		SetHeader("User-Agent", "curl/7.83.1")
	for _, echo := range egressEchoURLs {
		resp, err := probe.R().SetContext(ctx).Get(echo)
		if err != nil || resp.StatusCode() != http.StatusOK {
			log.WithField("url", echo).Debug("egress echo unreachable")
			continue
		}
		if ip := strings.TrimSpace(string(resp.Body())); ip != "" {
			return ip, nil
		}
	}
	return "", errors.New("no egress echo service answered")
}
