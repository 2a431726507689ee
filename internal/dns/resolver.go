// Package dns resolves tracker host names against a configured nameserver.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoSuchHost is returned when the nameserver answers NXDOMAIN or
	// returns no usable address records.
	ErrNoSuchHost = errors.New("no such host")
	// ErrUnsupportedNetwork is returned for networks other than ip, ip4 and ip6.
	ErrUnsupportedNetwork = errors.New("unsupported network")
)

// DefaultTimeout bounds a single query when none is configured.
const DefaultTimeout = 5 * time.Second

// Resolver queries one nameserver for A and AAAA records.
type Resolver struct {
	nameserver string
	client     *dns.Client
}

// NewResolver creates a resolver for nameserver ("host:port"; port 53 is
// assumed when missing).
func NewResolver(nameserver string, timeout time.Duration) *Resolver {
	if _, _, err := net.SplitHostPort(nameserver); err != nil {
		nameserver = net.JoinHostPort(nameserver, "53")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		nameserver: nameserver,
		client:     &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// Nameserver returns the address queries are sent to.
func (r *Resolver) Nameserver() string {
	return r.nameserver
}

// LookupNetIP resolves host. network is "ip" (A and AAAA), "ip4" or "ip6".
// Literal addresses are returned without a query.
func (r *Resolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	var qtypes []uint16
	switch network {
	case "ip":
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	case "ip4":
		qtypes = []uint16{dns.TypeA}
	case "ip6":
		qtypes = []uint16{dns.TypeAAAA}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}

	var (
		addrs []netip.Addr
		errs  []error
	)
	for _, qtype := range qtypes {
		found, err := r.query(ctx, host, qtype)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		addrs = append(addrs, found...)
	}

	if len(addrs) == 0 {
		if len(errs) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchHost, host)
		}
		return nil, errors.Join(errs...)
	}
	return addrs, nil
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.nameserver)
	if err != nil {
		return nil, fmt.Errorf("query %s %s: %w", dns.TypeToString[qtype], host, err)
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%w: %s", ErrNoSuchHost, host)
	default:
		return nil, fmt.Errorf("query %s %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
	}

	var addrs []netip.Addr
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
		if addr, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, addr.Unmap())
		}
	}

	log.Debug().
		Str("host", host).
		Str("type", dns.TypeToString[qtype]).
		Int("answers", len(addrs)).
		Msg("tracker host resolved")
	return addrs, nil
}
