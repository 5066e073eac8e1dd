package dnsproxy

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/feifeigood/swiftlink/internal/dnsproxy/caching"
	"github.com/feifeigood/swiftlink/internal/dnsproxy/rules"
	"github.com/feifeigood/swiftlink/internal/dnsproxy/upstreams"
	"github.com/feifeigood/swiftlink/internal/fakeip"
	"github.com/feifeigood/swiftlink/internal/log"
)

// RouterConfig carries the per-query policy knobs of the Router.
type RouterConfig struct {
	// FakeTTL is the TTL stamped on synthetic A/AAAA answers.
	FakeTTL uint32

	// ResolveDeadline bounds a whole upstream resolution, including
	// sequential fallback across the group.
	ResolveDeadline time.Duration
}

// Router decides, per query, whether to answer from the fake pool, the
// response cache or the upstream group. It is safe for concurrent use;
// all mutable state lives in the components it composes.
type Router struct {
	config RouterConfig

	engine    *rules.Engine
	cache     *caching.ResponseCache
	group     *upstreams.Group
	allocator *fakeip.Allocator
}

// NewRouter creates a query router. cache and allocator may be nil when
// the corresponding feature is disabled.
func NewRouter(cfg RouterConfig, engine *rules.Engine, group *upstreams.Group, cache *caching.ResponseCache, allocator *fakeip.Allocator) *Router {
	if cfg.ResolveDeadline <= 0 {
		cfg.ResolveDeadline = 10 * time.Second
	}
	return &Router{
		config:    cfg,
		engine:    engine,
		cache:     cache,
		group:     group,
		allocator: allocator,
	}
}

// Handle resolves a single inbound query and returns the response to
// send back. It never returns nil: malformed questions get an error
// rcode instead.
func (r *Router) Handle(ctx context.Context, req *dns.Msg) *dns.Msg {
	if req.Opcode != dns.OpcodeQuery {
		return errorResponse(req, dns.RcodeNotImplemented)
	}
	if len(req.Question) != 1 {
		return errorResponse(req, dns.RcodeFormatError)
	}

	q := req.Question[0]
	domain := fakeip.NormalizeDomain(q.Name)

	log.Debugf("[%04x] query: %s %s", req.Id, q.Name, dns.TypeToString[q.Qtype])

	if q.Qtype == dns.TypePTR {
		if resp := r.answerReverse(req, q); resp != nil {
			return resp
		}
	}

	if r.shouldFake(domain, q.Qtype) {
		return r.answerFake(req, q, domain)
	}

	return r.resolveUpstream(ctx, req, q, domain)
}

// shouldFake reports whether the query should be intercepted with a
// synthetic address before touching the cache or upstreams.
func (r *Router) shouldFake(domain string, qtype uint16) bool {
	if r.allocator == nil {
		return false
	}
	switch qtype {
	case dns.TypeA, dns.TypeAAAA, dns.TypeSVCB, dns.TypeHTTPS:
	default:
		return false
	}
	if r.allocator.Whitelisted(domain) {
		return false
	}
	return r.engine.ActionForDomain(domain) == rules.ActionFakeIP
}

// answerFake serves a query for an intercepted domain from the fake
// pool. SVCB/HTTPS queries get NXDOMAIN so clients cannot learn real
// endpoints for a domain whose traffic is meant to be captured.
func (r *Router) answerFake(req *dns.Msg, q dns.Question, domain string) *dns.Msg {
	if q.Qtype == dns.TypeSVCB || q.Qtype == dns.TypeHTTPS {
		return errorResponse(req, dns.RcodeNameError)
	}

	mapping, err := r.allocator.Lookup(domain)
	if err != nil {
		log.Warnf("[%04x] fake allocation failed for %s: %v", req.Id, domain, err)
		return errorResponse(req, dns.RcodeServerFailure)
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.RecursionAvailable = true

	hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: r.config.FakeTTL}
	switch q.Qtype {
	case dns.TypeA:
		hdr.Rrtype = dns.TypeA
		resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: mapping.IPv4})
	case dns.TypeAAAA:
		hdr.Rrtype = dns.TypeAAAA
		resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: mapping.IPv6})
	}

	log.Debugf("[%04x] fake answer: %s -> %s/%s", req.Id, domain, mapping.IPv4, mapping.IPv6)
	return resp
}

// answerReverse maps a PTR query for an address inside the fake pool
// back to the domain that owns it. Returns nil for addresses outside
// the pool so the query falls through to the upstreams.
func (r *Router) answerReverse(req *dns.Msg, q dns.Question) *dns.Msg {
	if r.allocator == nil {
		return nil
	}

	ip := ipFromReverseName(q.Name)
	if ip == nil || !r.allocator.Contains(ip) {
		return nil
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.RecursionAvailable = true

	domain, ok := r.allocator.ReverseLookup(ip)
	if !ok {
		resp.Rcode = dns.RcodeNameError
		return resp
	}

	resp.Answer = append(resp.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: r.config.FakeTTL},
		Ptr: dns.Fqdn(domain),
	})
	return resp
}

// resolveUpstream serves the query from the response cache when
// possible and otherwise forwards it to the upstream group, caching
// the result. GeoIP rules are re-evaluated against the resolved
// addresses and may still divert the domain to the fake pool.
func (r *Router) resolveUpstream(ctx context.Context, req *dns.Msg, q dns.Question, domain string) *dns.Msg {
	if r.cache != nil {
		if cached, ok := r.cache.Get(q.Name, q.Qtype); ok {
			cached.Id = req.Id
			log.Debugf("[%04x] cache hit: %s %s", req.Id, q.Name, dns.TypeToString[q.Qtype])
			return cached
		}
	}

	// The resolve deadline is detached from the inbound connection so
	// a late upstream answer still lands in the cache.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.ResolveDeadline)
	defer cancel()

	resp, err := r.group.Query(rctx, req)
	if err != nil {
		log.Warnf("[%04x] resolution failed for %s %s: %v", req.Id, q.Name, dns.TypeToString[q.Qtype], err)
		return errorResponse(req, dns.RcodeServerFailure)
	}

	if fake := r.retroFake(req, q, domain, resp); fake != nil {
		return fake
	}

	if r.cache != nil {
		r.cache.Put(q.Name, q.Qtype, resp)
	}

	resp.Id = req.Id
	return resp
}

// retroFake applies GeoIP rules that can only be decided once the real
// addresses are known. Returns a fake answer when a rule diverts the
// domain, nil otherwise.
func (r *Router) retroFake(req *dns.Msg, q dns.Question, domain string, resp *dns.Msg) *dns.Msg {
	if r.allocator == nil || !r.engine.HasGeoRules() {
		return nil
	}
	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
		return nil
	}
	if r.allocator.Whitelisted(domain) {
		return nil
	}

	addrs := answerAddresses(resp)
	if len(addrs) == 0 {
		return nil
	}

	if r.engine.ActionForAnswer(domain, addrs) != rules.ActionFakeIP {
		return nil
	}

	log.Debugf("[%04x] geo rule diverts %s to fake pool", req.Id, domain)
	return r.answerFake(req, q, domain)
}

// answerAddresses extracts the A/AAAA addresses from a response.
func answerAddresses(resp *dns.Msg) []net.IP {
	var addrs []net.IP
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			addrs = append(addrs, v.A)
		case *dns.AAAA:
			addrs = append(addrs, v.AAAA)
		}
	}
	return addrs
}

// errorResponse builds a minimal response carrying only an rcode.
func errorResponse(req *dns.Msg, rcode int) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, rcode)
	resp.RecursionAvailable = true
	return resp
}

// ipFromReverseName parses an in-addr.arpa or ip6.arpa owner name back
// into the address it encodes. Returns nil when the name is not a
// well-formed reverse name.
func ipFromReverseName(name string) net.IP {
	name = strings.ToLower(strings.TrimSuffix(name, "."))

	if rest, ok := strings.CutSuffix(name, ".in-addr.arpa"); ok {
		labels := strings.Split(rest, ".")
		if len(labels) != 4 {
			return nil
		}
		ip := make(net.IP, 4)
		for i, label := range labels {
			octet, err := strconv.Atoi(label)
			if err != nil || octet < 0 || octet > 255 {
				return nil
			}
			ip[3-i] = byte(octet)
		}
		return ip
	}

	if rest, ok := strings.CutSuffix(name, ".ip6.arpa"); ok {
		labels := strings.Split(rest, ".")
		if len(labels) != 32 {
			return nil
		}
		ip := make(net.IP, 16)
		for i, label := range labels {
			if len(label) != 1 {
				return nil
			}
			nibble, err := strconv.ParseUint(label, 16, 8)
			if err != nil {
				return nil
			}
			// Labels run least-significant nibble first.
			idx := 15 - i/2
			if i%2 == 0 {
				ip[idx] |= byte(nibble)
			} else {
				ip[idx] |= byte(nibble) << 4
			}
		}
		return ip
	}

	return nil
}
