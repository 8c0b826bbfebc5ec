package source

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// REST reads submissions through the plain paginated JSON endpoints. Several
// URL shapes exist across Kobo versions; the first one answering 200 wins.
type REST struct {
	Client   Getter
	Endpoint Endpoint
}

func (r *REST) Name() string { return "rest" }

// Candidates lists the endpoint shapes tried in order.
func (r *REST) Candidates() []string {
	b, uid := r.Endpoint.base(), url.PathEscape(r.Endpoint.AssetUID)
	return []string{
		b + "/api/v2/assets/" + uid + "/data/",
		b + "/api/v2/assets/" + uid + "/data.json",
		b + "/api/v1/data/" + uid,
		b + "/assets/" + uid + "/submissions/?format=json",
		b + "/assets/" + uid + "/data/?format=json",
	}
}

func (r *REST) Open(ctx context.Context, since *time.Time) (Pager, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(r.Endpoint.pageSize()))
	if since != nil {
		// Not every server honors this; pages are re-filtered below.
		q.Set("_submission_time__gte", FormatCursor(*since))
	}

	var lastErr error
	for _, c := range r.Candidates() {
		u := c
		if !strings.Contains(c, "?") {
			u = c + "?" + q.Encode()
		}
		items, next, err := r.page(ctx, u, since)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("source: rest candidate rejected url=%s err=%v", c, err)
			lastErr = err
			continue
		}
		return &linkPager{
			first: items,
			next:  next,
			fetch: func(ctx context.Context, u string) ([]map[string]any, string, error) {
				return r.page(ctx, u, since)
			},
		}, nil
	}
	return nil, fmt.Errorf("%w: rest: %v", ErrDiscovery, lastErr)
}

func (r *REST) page(ctx context.Context, u string, since *time.Time) ([]map[string]any, string, error) {
	v, err := r.Client.GetJSON(ctx, u, r.Endpoint.headers())
	if err != nil {
		return nil, "", err
	}
	var (
		raw  []any
		next string
	)
	switch x := v.(type) {
	case []any:
		raw = x
	case map[string]any:
		for _, k := range []string{"results", "data", "submissions"} {
			if list, ok := x[k].([]any); ok {
				raw = list
				break
			}
		}
		next = scalarString(x["next"])
	default:
		return nil, "", fmt.Errorf("source: rest page %s: unexpected body %T", u, v)
	}

	items := asMaps(raw)
	if since == nil {
		return items, next, nil
	}
	kept := items[:0]
	for _, it := range items {
		s := firstString(it, submissionKeys)
		if s == "" {
			kept = append(kept, it)
			continue
		}
		if t, ok := ParseTime(s); !ok || !t.Before(since.Truncate(time.Second)) {
			kept = append(kept, it)
		}
	}
	return kept, next, nil
}
