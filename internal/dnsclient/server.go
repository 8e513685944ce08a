// Package dnsclient implements the TSIG-signed DNS client used to query
// and update records on authoritative servers (RFC 2136, RFC 2845).
package dnsclient

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/athena-dhcpd/athena-ddnsd/internal/metrics"
)

// queryTimeout bounds each DNS transaction.
const queryTimeout = 3 * time.Second

// Key is a TSIG key as resolved from configuration: raw secret bytes plus
// the canonical algorithm wire name.
type Key struct {
	Name      string
	Algorithm string
	Secret    []byte
}

// Server is a handle to one authoritative server, reached over UDP/53.
// Every message sent through it is TSIG-signed with the handle's key.
// EDNS is never attached: older authoritative servers reject signed
// UPDATEs that carry an OPT record.
//
// The handle serializes its own transactions; the reconciler additionally
// runs at most one record update at a time across all handles.
type Server struct {
	mu     sync.Mutex
	addr   string
	key    Key
	client *dns.Client
	logger *slog.Logger
}

// NewServer creates a handle for the authoritative server at addr.
func NewServer(addr netip.Addr, key Key, logger *slog.Logger) *Server {
	return newServer(netip.AddrPortFrom(addr, 53).String(), key, logger)
}

func newServer(addr string, key Key, logger *slog.Logger) *Server {
	return &Server{
		addr: addr,
		key:  key,
		client: &dns.Client{
			Net:          "udp",
			Timeout:      queryTimeout,
			TsigProvider: signer{algorithm: key.Algorithm, secret: key.Secret},
		},
		logger: logger.With("server", addr),
	}
}

// Query asks the server for the current A or AAAA rrset of name.
// qtype must be dns.TypeA or dns.TypeAAAA.
func (s *Server) Query(name string, qtype uint16) ([]netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	s.sign(m)

	start := time.Now()
	resp, _, err := s.client.Exchange(m, s.addr)
	metrics.DNSDuration.WithLabelValues("query").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DNSQueries.WithLabelValues(dns.TypeToString[qtype], "error").Inc()
		return nil, fmt.Errorf("querying %s %s: %w", dns.TypeToString[qtype], name, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		metrics.DNSQueries.WithLabelValues(dns.TypeToString[qtype], "error").Inc()
		return nil, fmt.Errorf("querying %s %s: server returned %s",
			dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			if a, ok := netip.AddrFromSlice(rr.A.To4()); ok {
				addrs = append(addrs, a)
			}
		case *dns.AAAA:
			if a, ok := netip.AddrFromSlice(rr.AAAA); ok {
				addrs = append(addrs, a)
			}
		}
	}
	metrics.DNSQueries.WithLabelValues(dns.TypeToString[qtype], "success").Inc()
	return addrs, nil
}

// Update replaces the rrset of name with a single record pointing at addr.
// RFC 2136 has no portable single-transaction replace, so this runs a
// DELETE of the rrset followed by an APPEND, each as its own signed
// transaction. A non-NoError RCODE on either transaction fails the call;
// the caller decides whether to retry.
func (s *Server) Update(name string, addr netip.Addr, zone string, ttl uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fqdn := dns.Fqdn(name)
	if zone == "" {
		zone = parentZone(fqdn)
		s.logger.Warn("no zone configured, derived from record name; set zone explicitly",
			"name", fqdn, "zone", zone)
	}
	rr := addrRR(fqdn, addr, ttl)

	del := new(dns.Msg)
	del.SetUpdate(dns.Fqdn(zone))
	del.RemoveRRset([]dns.RR{rr})
	if err := s.exchangeUpdate(del, "delete", fqdn); err != nil {
		metrics.DNSUpdates.WithLabelValues("error").Inc()
		return err
	}

	add := new(dns.Msg)
	add.SetUpdate(dns.Fqdn(zone))
	add.Insert([]dns.RR{rr})
	if err := s.exchangeUpdate(add, "append", fqdn); err != nil {
		metrics.DNSUpdates.WithLabelValues("error").Inc()
		return err
	}

	metrics.DNSUpdates.WithLabelValues("success").Inc()
	s.logger.Info("record updated", "name", fqdn, "addr", addr, "zone", zone, "ttl", ttl)
	return nil
}

// exchangeUpdate signs and sends one UPDATE transaction.
func (s *Server) exchangeUpdate(m *dns.Msg, op, name string) error {
	s.sign(m)

	start := time.Now()
	resp, _, err := s.client.Exchange(m, s.addr)
	metrics.DNSDuration.WithLabelValues("update").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("update %s of %s: %w", op, name, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("update %s of %s: server returned %s",
			op, name, dns.RcodeToString[resp.Rcode])
	}
	s.logger.Debug("update transaction accepted", "op", op, "name", name)
	return nil
}

// sign appends the TSIG request record. The MAC itself is computed by the
// client's TsigProvider during the exchange.
func (s *Server) sign(m *dns.Msg) {
	m.SetTsig(dns.Fqdn(s.key.Name), s.key.Algorithm, tsigFudge, time.Now().Unix())
}

// addrRR builds the single resource record published for name.
func addrRR(fqdn string, addr netip.Addr, ttl uint32) dns.RR {
	hdr := dns.RR_Header{Name: fqdn, Class: dns.ClassINET, Ttl: ttl}
	if addr.Is4() {
		hdr.Rrtype = dns.TypeA
		return &dns.A{Hdr: hdr, A: net.IP(addr.AsSlice())}
	}
	hdr.Rrtype = dns.TypeAAAA
	return &dns.AAAA{Hdr: hdr, AAAA: net.IP(addr.AsSlice())}
}

// parentZone strips the leftmost label: host.example.org. → example.org.
func parentZone(fqdn string) string {
	idx := dns.Split(fqdn)
	if len(idx) < 2 {
		return "."
	}
	return fqdn[idx[1]:]
}
