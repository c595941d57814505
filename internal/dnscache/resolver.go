package dnscache

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"palisade/internal/clock"
)

// Resolver performs a single lookup of a hostname across both address
// families. validUntil reports how long the answer may be considered fresh,
// derived from the smallest TTL seen in the response.
type Resolver interface {
	LookupHost(ctx context.Context, name string) (addrs []netip.Addr, validUntil time.Time, err error)
}

// SystemResolver resolves names against the nameservers configured in the
// host's resolver configuration (normally /etc/resolv.conf), read once at
// construction.
type SystemResolver struct {
	cfg    *dns.ClientConfig
	client *dns.Client
	clk    clock.Clock
}

// NewSystemResolver reads the resolver configuration at path and returns a
// resolver using those nameservers. A failure here is fatal to the owning
// subsystem; the caller decides whether to abort or degrade.
func NewSystemResolver(path string, clk clock.Clock) (*SystemResolver, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resolver configuration %s: %w", path, err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("resolver configuration %s lists no nameservers", path)
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &SystemResolver{
		cfg:    cfg,
		client: &dns.Client{Timeout: 5 * time.Second},
		clk:    clk,
	}, nil
}

// LookupHost queries A and AAAA records for name. The lookup succeeds if at
// least one family yields addresses; it fails if both families error or the
// name has no addresses at all.
func (r *SystemResolver) LookupHost(ctx context.Context, name string) ([]netip.Addr, time.Time, error) {
	fqdn := dns.Fqdn(name)

	var addrs []netip.Addr
	minTTL := uint32(0)
	haveTTL := false
	var lastErr error

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.exchange(ctx, fqdn, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
			lastErr = fmt.Errorf("lookup %s: server returned %s", name, dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			var ip net.IP
			switch v := rr.(type) {
			case *dns.A:
				ip = v.A
			case *dns.AAAA:
				ip = v.AAAA
			default:
				continue
			}
			addr, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			addrs = append(addrs, addr.Unmap())
			if !haveTTL || rr.Header().Ttl < minTTL {
				minTTL = rr.Header().Ttl
				haveTTL = true
			}
		}
	}

	if len(addrs) == 0 {
		if lastErr != nil {
			return nil, time.Time{}, lastErr
		}
		return nil, time.Time{}, fmt.Errorf("lookup %s: no such host", name)
	}

	validUntil := r.clk.Now().Add(time.Duration(minTTL) * time.Second)
	return addrs, validUntil, nil
}

// exchange tries each configured nameserver in order until one answers.
func (r *SystemResolver) exchange(ctx context.Context, fqdn string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(fqdn, qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.cfg.Servers {
		addr := net.JoinHostPort(server, r.cfg.Port)
		resp, _, err := r.client.ExchangeContext(ctx, m, addr)
		if err != nil {
			lastErr = fmt.Errorf("lookup via %s: %w", addr, err)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
