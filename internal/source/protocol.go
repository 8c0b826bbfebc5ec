package source

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"koboetl/internal/datasource/httpds"
)

var (
	// ErrDiscovery marks a protocol that could not be resolved for an asset.
	// The connector falls back to the next protocol.
	ErrDiscovery = errors.New("source: protocol discovery failed")
	// ErrExhausted is returned when no protocol could be opened.
	ErrExhausted = errors.New("source: no usable OData/REST endpoint")
)

// Protocol opens a paged read of an asset's submissions.
type Protocol interface {
	Name() string
	// Open resolves the endpoint and fetches the first page. Errors wrapping
	// ErrDiscovery let the caller try another protocol.
	Open(ctx context.Context, since *time.Time) (Pager, error)
}

// Pager yields pages of raw submissions.
type Pager interface {
	// Next returns the next page; more is false once the last page was
	// returned.
	Next(ctx context.Context) (items []map[string]any, more bool, err error)
}

// Getter is the subset of *httpds.Client the protocols need.
type Getter interface {
	GetJSON(ctx context.Context, url string, headers http.Header) (any, error)
}

var _ Getter = (*httpds.Client)(nil)

// Endpoint identifies one Kobo asset on one server.
type Endpoint struct {
	ServerURL string
	AssetUID  string
	Token     string
	PageSize  int
}

func (e Endpoint) base() string { return strings.TrimRight(e.ServerURL, "/") }

func (e Endpoint) headers() http.Header {
	h := http.Header{}
	if e.Token != "" {
		h.Set("Authorization", "Token "+e.Token)
	}
	return h
}

func (e Endpoint) pageSize() int {
	if e.PageSize <= 0 {
		return 500
	}
	return e.PageSize
}

// linkPager returns a pre-fetched first page, then follows next links.
type linkPager struct {
	first   []map[string]any
	next    string
	started bool
	fetch   func(ctx context.Context, url string) ([]map[string]any, string, error)
}

func (p *linkPager) Next(ctx context.Context) ([]map[string]any, bool, error) {
	if !p.started {
		p.started = true
		return p.first, p.next != "", nil
	}
	if p.next == "" {
		return nil, false, nil
	}
	items, next, err := p.fetch(ctx, p.next)
	if err != nil {
		return nil, false, err
	}
	p.next = next
	return items, next != "", nil
}

func asMaps(v []any) []map[string]any {
	out := make([]map[string]any, 0, len(v))
	for _, x := range v {
		if m, ok := x.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
