package httpds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
)

// maxBody caps how much of a response GetJSON reads.
const maxBody = 256 << 20

// StatusError reports a non-2xx, non-retryable response.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpds: GET %s: status %d: %s", e.URL, e.Status, e.Body)
}

// GetJSON performs a GET and decodes the body into any. Bodies with a UTF-8
// BOM or trailing commas before a closing bracket are accepted, since some
// form servers emit them.
func (c *Client) GetJSON(ctx context.Context, url string, headers http.Header) (any, error) {
	h := http.Header{"Accept": []string{"application/json"}}
	for k, vs := range headers {
		h[k] = vs
	}
	resp, err := c.Get(ctx, url, h)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("httpds: read %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := body
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, &StatusError{URL: url, Status: resp.StatusCode, Body: string(snippet)}
	}
	v, err := DecodeJSON(body)
	if err != nil {
		return nil, fmt.Errorf("httpds: decode %s: %w", url, err)
	}
	return v, nil
}

var trailingComma = regexp.MustCompile(`,\s*([\]}])`)

// DecodeJSON decodes b with UseNumber, retrying once after stripping a BOM
// and trailing commas.
func DecodeJSON(b []byte) (any, error) {
	v, err := decode(b)
	if err == nil {
		return v, nil
	}
	cleaned := bytes.TrimPrefix(bytes.TrimSpace(b), []byte("\xef\xbb\xbf"))
	cleaned = trailingComma.ReplaceAll(cleaned, []byte("$1"))
	if v, err2 := decode(cleaned); err2 == nil {
		return v, nil
	}
	return nil, err
}

func decode(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
