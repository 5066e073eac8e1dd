package upstreams

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/feifeigood/swiftlink/internal/errors"
	"github.com/feifeigood/swiftlink/internal/log"
)

// GroupOptions configures failure handling for an upstream group.
type GroupOptions struct {
	// Race queries the top RaceServers upstreams concurrently and
	// takes the first successful answer.
	Race bool
	// RaceServers is the number of upstreams raced (default: 2).
	RaceServers int
	// FailureThreshold opens an upstream's circuit after this many
	// consecutive failures (default: 3).
	FailureThreshold int
	// Cooldown is how long an open circuit waits before a trial query
	// (default: 30s).
	Cooldown time.Duration
	// QueryTimeout bounds each upstream attempt (default: 5s).
	QueryTimeout time.Duration
}

func (o GroupOptions) raceServers() int {
	if o.RaceServers > 0 {
		return o.RaceServers
	}
	return 2
}

func (o GroupOptions) failureThreshold() int {
	if o.FailureThreshold > 0 {
		return o.FailureThreshold
	}
	return 3
}

func (o GroupOptions) cooldown() time.Duration {
	if o.Cooldown > 0 {
		return o.Cooldown
	}
	return 30 * time.Second
}

func (o GroupOptions) queryTimeout() time.Duration {
	if o.QueryTimeout > 0 {
		return o.QueryTimeout
	}
	return defaultQueryTimeout
}

// UpstreamHealth is a point-in-time view of one upstream's breaker,
// exposed through the admin API.
type UpstreamHealth struct {
	Address  string       `json:"address"`
	Priority int          `json:"priority"`
	State    BreakerState `json:"state"`
	Failures int          `json:"failures"`
}

// Group queries a set of upstreams in priority order with per-upstream
// circuit breakers. Upstreams whose circuit is open are skipped until
// their cool-down elapses.
type Group struct {
	upstreams []Upstream // sorted by priority, stable
	health    cmap.ConcurrentMap[string, *breaker]
	opts      GroupOptions
}

// NewGroup builds a group over the given upstreams. The slice is
// reordered by priority (lower first).
func NewGroup(ups []Upstream, opts GroupOptions) (*Group, error) {
	if len(ups) == 0 {
		return nil, fmt.Errorf("no upstreams configured")
	}

	sorted := make([]Upstream, len(ups))
	copy(sorted, ups)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})

	health := cmap.New[*breaker]()
	for _, u := range sorted {
		health.Set(u.Address(), newBreaker(opts.failureThreshold(), opts.cooldown()))
	}

	return &Group{
		upstreams: sorted,
		health:    health,
		opts:      opts,
	}, nil
}

// Query resolves the request through the group. In race mode the top
// healthy upstreams are queried concurrently; otherwise they are tried
// one by one in priority order. When every upstream fails or is
// skipped, an ALL_UPSTREAMS_FAILED error carrying the last cause is
// returned.
func (g *Group) Query(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if g.opts.Race {
		return g.queryRace(ctx, req)
	}
	return g.querySequential(ctx, req, g.upstreams)
}

func (g *Group) querySequential(ctx context.Context, req *dns.Msg, ups []Upstream) (*dns.Msg, error) {
	var lastErr error
	attempted := false

	for _, u := range ups {
		if ctx.Err() != nil {
			break
		}
		br := g.breakerFor(u)
		if !br.Allow() {
			log.Debugf("[%04x] Skipping upstream %s (circuit open)", req.Id, u.Address())
			continue
		}
		attempted = true

		resp, err := g.attempt(ctx, u, br, req)
		if err != nil {
			lastErr = err
			log.Debugf("[%04x] Upstream %s failed: %v", req.Id, u.Address(), err)
			continue
		}
		return resp, nil
	}

	if !attempted {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewTimeoutError("resolution deadline exceeded", err)
		}
		// Every circuit is open and still cooling down. The group must
		// never wedge, so force one trial through the stalest circuit.
		if u, br := g.stalestBreaker(ups); u != nil {
			log.Debugf("[%04x] All circuits open, forcing trial query to %s", req.Id, u.Address())
			br.ForceAllow()
			resp, err := g.attempt(ctx, u, br, req)
			if err == nil {
				return resp, nil
			}
			lastErr = err
		}
	}
	return nil, errors.NewAllFailedError("all upstreams failed", lastErr)
}

// stalestBreaker picks the upstream whose circuit opened longest ago,
// the best candidate for a forced trial.
func (g *Group) stalestBreaker(ups []Upstream) (Upstream, *breaker) {
	var pick Upstream
	var pickBr *breaker
	for _, u := range ups {
		br := g.breakerFor(u)
		if pick == nil || br.OpenedAt().Before(pickBr.OpenedAt()) {
			pick = u
			pickBr = br
		}
	}
	return pick, pickBr
}

func (g *Group) queryRace(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	// Pick the healthy front-runners
	racers := make([]Upstream, 0, g.opts.raceServers())
	rest := make([]Upstream, 0, len(g.upstreams))
	for _, u := range g.upstreams {
		if len(racers) < g.opts.raceServers() && g.breakerFor(u).Allow() {
			racers = append(racers, u)
		} else {
			rest = append(rest, u)
		}
	}
	if len(racers) == 0 {
		return g.querySequential(ctx, req, g.upstreams)
	}
	if len(racers) == 1 {
		if resp, err := g.attempt(ctx, racers[0], g.breakerFor(racers[0]), req); err == nil {
			return resp, nil
		}
		return g.querySequential(ctx, req, rest)
	}

	type result struct {
		resp *dns.Msg
		err  error
	}
	results := make(chan result, len(racers))

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, u := range racers {
		go func(u Upstream) {
			// Each racer works on its own copy; the winner's answer is
			// re-stamped with the original ID
			resp, err := g.attempt(raceCtx, u, g.breakerFor(u), req.Copy())
			results <- result{resp: resp, err: err}
		}(u)
	}

	var lastErr error
	for i := 0; i < len(racers); i++ {
		select {
		case r := <-results:
			if r.err == nil {
				r.resp.Id = req.Id
				return r.resp, nil
			}
			lastErr = r.err
		case <-ctx.Done():
			return nil, errors.NewTimeoutError("resolution deadline exceeded", ctx.Err())
		}
	}

	// Every racer lost; fall back to the remaining upstreams
	if len(rest) > 0 {
		if resp, err := g.querySequential(ctx, req, rest); err == nil {
			return resp, nil
		}
	}
	return nil, errors.NewAllFailedError("all upstreams failed", lastErr)
}

// attempt runs one bounded query against one upstream and feeds the
// outcome into its breaker.
func (g *Group) attempt(ctx context.Context, u Upstream, br *breaker, req *dns.Msg) (*dns.Msg, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.opts.queryTimeout())
	defer cancel()

	resp, err := u.Query(attemptCtx, req)
	if err != nil {
		// A canceled attempt lost a race to a faster upstream; only
		// genuine failures and per-attempt timeouts count against the
		// breaker.
		if ctx.Err() != context.Canceled {
			br.RecordFailure()
		}
		return nil, err
	}

	switch resp.Rcode {
	case dns.RcodeServerFailure, dns.RcodeRefused, dns.RcodeNotImplemented:
		br.RecordFailure()
		return nil, errors.NewServerError(
			fmt.Sprintf("upstream %s answered %s", u.Address(), dns.RcodeToString[resp.Rcode]), nil)
	}

	// NOERROR and NXDOMAIN are both healthy answers
	br.RecordSuccess()
	return resp, nil
}

func (g *Group) breakerFor(u Upstream) *breaker {
	br, ok := g.health.Get(u.Address())
	if !ok {
		br = newBreaker(g.opts.failureThreshold(), g.opts.cooldown())
		g.health.Set(u.Address(), br)
	}
	return br
}

// Health returns the breaker state of every upstream in priority order.
func (g *Group) Health() []UpstreamHealth {
	result := make([]UpstreamHealth, 0, len(g.upstreams))
	for _, u := range g.upstreams {
		br := g.breakerFor(u)
		result = append(result, UpstreamHealth{
			Address:  u.Address(),
			Priority: u.Priority(),
			State:    br.State(),
			Failures: br.Failures(),
		})
	}
	return result
}

// Close closes all upstreams.
func (g *Group) Close() error {
	for _, u := range g.upstreams {
		u.Close()
	}
	return nil
}
