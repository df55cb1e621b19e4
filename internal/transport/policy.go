package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Endpoint is one way of reaching the realtime backend.
type Endpoint struct {
	URL   string `json:"url" yaml:"url"`
	Codec string `json:"codec,omitempty" yaml:"codec,omitempty"` // "json" (default) | "cbor"
}

// Validate checks the endpoint URL scheme and codec name.
func (e Endpoint) Validate() error {
	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if _, err := CodecByName(e.Codec); err != nil {
		return err
	}
	return nil
}

// Policy is the transport preference order. Endpoints are tried in the
// configured order; once one connects it is tried first on the next attempt
// (sticky), so a client that had to fall back does not keep paying for the
// broken primary on every reconnect.
type Policy struct {
	mu        sync.Mutex
	endpoints []Endpoint
	preferred int
}

// NewPolicy builds a policy over endpoints, which must be non-empty.
func NewPolicy(endpoints ...Endpoint) (*Policy, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("transport policy needs at least one endpoint")
	}
	for i, e := range endpoints {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("endpoint %d (%s): %w", i, e.URL, err)
		}
	}
	return &Policy{endpoints: append([]Endpoint(nil), endpoints...)}, nil
}

// Order returns every endpoint, starting with the preferred one.
func (p *Policy) Order() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, 0, len(p.endpoints))
	for i := range p.endpoints {
		out = append(out, p.endpoints[(p.preferred+i)%len(p.endpoints)])
	}
	return out
}

// Succeeded marks the endpoint with the given URL as preferred.
func (p *Policy) Succeeded(rawURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.endpoints {
		if strings.EqualFold(e.URL, rawURL) {
			p.preferred = i
			return
		}
	}
}

// Preferred returns the endpoint that will be tried first.
func (p *Policy) Preferred() Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoints[p.preferred]
}
