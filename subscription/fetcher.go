package subscription

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"clashwatcher/node"
)

// Subscription providers discriminate on the UA; a browser UA gets the
// Clash YAML document instead of an HTML landing page.
const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:94.0) Gecko/20100101 Firefox/94.0"

// Fetcher retrieves a subscription link and turns it into a filtered pool
// snapshot. A Fetcher is safe for use by a single job at a time.
type Fetcher struct {
	link   string
	filter node.Filter
	client *resty.Client
}

func NewFetcher(link string, filter node.Filter, timeout time.Duration) *Fetcher {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", browserUserAgent)
	return &Fetcher{link: link, filter: filter, client: client}
}

// Fetch downloads and decodes the subscription and applies the filter
// policy. Any failure leaves the caller's previous pool untouched: either
// a complete new pool comes back, or an error and nothing else.
func (f *Fetcher) Fetch(ctx context.Context) (*node.Pool, error) {
	resp, err := f.client.R().SetContext(ctx).Get(f.link)
	if err != nil {
		return nil, &FetchError{URL: f.link, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &FetchError{URL: f.link, Err: errors.New("unexpected status " + resp.Status())}
	}
	if quota := resp.Header().Get("Subscription-Userinfo"); quota != "" {
		log.WithField("userinfo", quota).Info("subscription traffic quota")
	}

	nodes, err := decode(resp.Body())
	if err != nil {
		return nil, err
	}
	log.WithField("total", len(nodes)).Debug("subscription decoded")

	kept := f.filter.Apply(nodes)
	if len(kept) == 0 {
		return nil, ErrNoNodes
	}
	if len(kept) != len(nodes) {
		log.WithFields(log.Fields{"total": len(nodes), "kept": len(kept)}).Info("filter policy applied")
	}
	return &node.Pool{Nodes: kept, FetchedAt: time.Now()}, nil
}

// decode is a two-stage attempt: the body is tried as a Clash YAML
// document first, then as base64-wrapped YAML. Content negotiation is by
// decode success, providers do not declare a usable content type.
func decode(body []byte) ([]*node.Node, error) {
	nodes, yamlErr := decodeDocument(body)
	if yamlErr == nil {
		return nodes, nil
	}
	raw, b64Err := decodeBase64(body)
	if b64Err != nil {
		return nil, &DecodeError{Err: yamlErr}
	}
	nodes, err := decodeDocument(raw)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return nodes, nil
}

type document struct {
	Proxies []*node.Node `yaml:"proxies"`
}

func decodeDocument(raw []byte) ([]*node.Node, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if len(doc.Proxies) == 0 {
		return nil, errors.New("payload carries no proxies")
	}
	return doc.Proxies, nil
}

func decodeBase64(body []byte) ([]byte, error) {
	text := strings.TrimSpace(string(body))
	if raw, err := base64.StdEncoding.DecodeString(text); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(text)
}
