package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// OData reads submissions through Kobo's OData service
// ({server}/api/v2/assets/{uid}/odata/).
type OData struct {
	Client   Getter
	Endpoint Endpoint
}

func (o *OData) Name() string { return "odata" }

func (o *OData) root() string {
	return o.Endpoint.base() + "/api/v2/assets/" + url.PathEscape(o.Endpoint.AssetUID) + "/odata/"
}

// EntitySetURL resolves the main entity set. The service document is read
// first with a preference Submissions, Items, data, then the first listed
// set; when the document is unusable a direct request for Submissions decides.
func (o *OData) EntitySetURL(ctx context.Context) (string, error) {
	root := o.root()
	doc, err := o.Client.GetJSON(ctx, root, o.Endpoint.headers())
	if err == nil {
		if name := pickEntitySet(doc); name != "" {
			return root + url.PathEscape(name), nil
		}
	}
	entitySet := root + "Submissions"
	if _, perr := o.Client.GetJSON(ctx, entitySet+"?%24top=1", o.Endpoint.headers()); perr != nil {
		if err == nil {
			err = perr
		}
		return "", fmt.Errorf("%w: odata service document: %v", ErrDiscovery, err)
	}
	return entitySet, nil
}

func pickEntitySet(doc any) string {
	m, ok := doc.(map[string]any)
	if !ok {
		return ""
	}
	value, _ := m["value"].([]any)
	sets := asMaps(value)
	for _, want := range []string{"Submissions", "Items", "data"} {
		for _, s := range sets {
			if scalarString(s["name"]) == want || scalarString(s["url"]) == want {
				return want
			}
		}
	}
	for _, s := range sets {
		if n := scalarString(s["name"]); n != "" {
			return n
		}
		if u := scalarString(s["url"]); u != "" {
			return u
		}
	}
	return ""
}

func (o *OData) Open(ctx context.Context, since *time.Time) (Pager, error) {
	set, err := o.EntitySetURL(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("$top", strconv.Itoa(o.Endpoint.pageSize()))
	if since != nil {
		q.Set("$filter", "_submission_time ge datetime'"+FormatCursor(*since)+"'")
	}
	first := set + "?" + q.Encode()

	items, next, err := o.page(ctx, first)
	if err != nil {
		return nil, fmt.Errorf("%w: odata first page: %w", ErrDiscovery, err)
	}
	return &linkPager{first: items, next: next, fetch: o.page}, nil
}

func (o *OData) page(ctx context.Context, u string) ([]map[string]any, string, error) {
	v, err := o.Client.GetJSON(ctx, u, o.Endpoint.headers())
	if err != nil {
		return nil, "", err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("source: odata page %s: unexpected body %T", u, v)
	}
	value, _ := m["value"].([]any)
	next := ""
	for _, k := range []string{"@odata.nextLink", "@odata.nextlink", "@odata.next"} {
		if s := scalarString(m[k]); s != "" {
			next = s
			break
		}
	}
	return asMaps(value), next, nil
}
