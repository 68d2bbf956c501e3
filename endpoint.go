package amqprecover

import (
	"context"
	"math/rand"
	"sync/atomic"
)

// Selector picks the next endpoint to dial out of a set of candidates,
// trying each until one succeeds or all have failed.
type Selector interface {
	SelectOne(ctx context.Context, endpoints []Endpoint, dial func(context.Context, Endpoint) (RawConnection, error)) (RawConnection, error)
}

// RoundRobinSelector cycles through endpoints in order, starting from where
// the previous successful/attempted selection left off.
type RoundRobinSelector struct {
	cursor atomic.Uint64
}

func NewRoundRobinSelector() *RoundRobinSelector {
	return &RoundRobinSelector{}
}

func (s *RoundRobinSelector) SelectOne(ctx context.Context, endpoints []Endpoint, dial func(context.Context, Endpoint) (RawConnection, error)) (RawConnection, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	start := int(s.cursor.Add(1) - 1)
	var lastErr error
	for i := 0; i < len(endpoints); i++ {
		ep := endpoints[(start+i)%len(endpoints)]
		raw, err := dial(ctx, ep)
		if err == nil {
			return raw, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// RandomSelector tries endpoints in a random order each call.
type RandomSelector struct{}

func NewRandomSelector() *RandomSelector {
	return &RandomSelector{}
}

func (s *RandomSelector) SelectOne(ctx context.Context, endpoints []Endpoint, dial func(context.Context, Endpoint) (RawConnection, error)) (RawConnection, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	order := rand.Perm(len(endpoints))
	var lastErr error
	for _, idx := range order {
		raw, err := dial(ctx, endpoints[idx])
		if err == nil {
			return raw, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// EndpointCycler tracks the known broker endpoints for a Connection and
// delegates the actual pick to a Selector. Endpoints can grow at runtime as
// a broker cluster advertises additional peers through known-hosts.
type EndpointCycler struct {
	selector  Selector
	endpoints []Endpoint
}

func NewEndpointCycler(selector Selector, endpoints []Endpoint) *EndpointCycler {
	if selector == nil {
		selector = NewRoundRobinSelector()
	}
	return &EndpointCycler{
		selector:  selector,
		endpoints: append([]Endpoint(nil), endpoints...),
	}
}

// MergeKnownHosts adds any endpoints from hosts that are not already known,
// so a future reconnect can try newly-advertised cluster members.
func (c *EndpointCycler) MergeKnownHosts(hosts []Endpoint) {
	for _, h := range hosts {
		found := false
		for _, existing := range c.endpoints {
			if existing == h {
				found = true
				break
			}
		}
		if !found {
			c.endpoints = append(c.endpoints, h)
		}
	}
}

func (c *EndpointCycler) Endpoints() []Endpoint {
	return append([]Endpoint(nil), c.endpoints...)
}

func (c *EndpointCycler) Next(ctx context.Context, dial func(context.Context, Endpoint) (RawConnection, error)) (RawConnection, error) {
	if len(c.endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	return c.selector.SelectOne(ctx, c.endpoints, dial)
}
