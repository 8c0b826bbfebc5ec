package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"strings"
	"time"

	"koboetl/internal/datasource/httpds"
)

// Mode pins the protocol a connector uses.
type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeOData Mode = "odata"
	ModeREST  Mode = "rest"
)

// Connector fetches one asset's submissions, trying its protocols in order.
type Connector struct {
	Name      string
	Protocols []Protocol
}

// New builds a connector for endpoint over client. ModeAuto (or "") tries
// OData then REST.
func New(name string, client *httpds.Client, ep Endpoint, mode Mode) (*Connector, error) {
	od := &OData{Client: client, Endpoint: ep}
	rs := &REST{Client: client, Endpoint: ep}
	c := &Connector{Name: name}
	switch Mode(strings.ToLower(string(mode))) {
	case "", ModeAuto:
		c.Protocols = []Protocol{od, rs}
	case ModeOData:
		c.Protocols = []Protocol{od}
	case ModeREST:
		c.Protocols = []Protocol{rs}
	default:
		return nil, fmt.Errorf("source: unknown mode %q", mode)
	}
	return c, nil
}

// Fetch yields the submissions received at or after since (all when nil).
// The sequence is finite and can be restarted with a newer cursor. A page
// failure ends the sequence with that error; records already yielded stay
// valid.
func (c *Connector) Fetch(ctx context.Context, since *time.Time) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		pager, proto, err := c.open(ctx, since)
		if err != nil {
			yield(RawRecord{}, err)
			return
		}
		pages := 0
		for {
			items, more, err := pager.Next(ctx)
			if err != nil {
				yield(RawRecord{}, fmt.Errorf("source: %s %s page %d: %w", c.Name, proto, pages+1, err))
				return
			}
			pages++
			for _, it := range items {
				if !yield(NewRawRecord(it), nil) {
					return
				}
			}
			if !more {
				log.Printf("source: fetch done source=%s protocol=%s pages=%d", c.Name, proto, pages)
				return
			}
		}
	}
}

func (c *Connector) open(ctx context.Context, since *time.Time) (Pager, string, error) {
	var errs []error
	for _, p := range c.Protocols {
		pager, err := p.Open(ctx, since)
		if err == nil {
			return pager, p.Name(), nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		log.Printf("source: protocol unavailable source=%s protocol=%s err=%v", c.Name, p.Name(), err)
		errs = append(errs, err)
	}
	return nil, "", fmt.Errorf("%w for %s: %w", ErrExhausted, c.Name, errors.Join(errs...))
}

// Collect drains Fetch into a slice, stopping at limit records when > 0. Records
// gathered before an error are returned with it.
func (c *Connector) Collect(ctx context.Context, since *time.Time, limit int) ([]RawRecord, error) {
	var out []RawRecord
	for rec, err := range c.Fetch(ctx, since) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
