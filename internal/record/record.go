// Package record implements the per-task state machine that decides
// whether, when, and what to publish to the authoritative server.
package record

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/athena-dhcpd/athena-ddnsd/internal/config"
	"github.com/athena-dhcpd/athena-ddnsd/internal/metrics"
)

// RetryInterval is the minimum spacing between update attempts for one
// record.
const RetryInterval = 60 * time.Second

// Family selects the address family a record publishes.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV4 {
		return "v4"
	}
	return "v6"
}

var (
	defaultScopeV4 = netip.MustParsePrefix("0.0.0.0/0")
	defaultScopeV6 = netip.MustParsePrefix("2000::/3") // global unicast
)

func defaultScope(f Family) netip.Prefix {
	if f == FamilyV4 {
		return defaultScopeV4
	}
	return defaultScopeV6
}

// Updater is the slice of the DNS client a record drives.
type Updater interface {
	Query(name string, qtype uint16) ([]netip.Addr, error)
	Update(name string, addr netip.Addr, zone string, ttl uint32) error
}

// State tracks the last learned address for one update task. It is owned
// by the reconciler: all calls happen on the reconciler goroutine, so
// there is no internal locking.
type State struct {
	server    Updater
	fqdn      string // empty for neighbor-only tasks
	iface     string
	zone      string
	ttl       uint32
	neighbors map[string]netip.Addr
	scope     netip.Prefix
	family    Family

	addr    netip.Addr
	dirty   bool
	lastTry time.Time

	retryInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// New builds the state for one task. The task must already be resolved by
// config.Load; family constraints are still enforced here.
func New(task *config.Task, server Updater, f Family, logger *slog.Logger) (*State, error) {
	if f == FamilyV4 && len(task.NeighborAddrs) > 0 {
		return nil, fmt.Errorf("record %q: neighbors are not supported on IPv4", task.Name)
	}

	scope := defaultScope(f)
	if task.ScopePrefix.IsValid() {
		scope = task.ScopePrefix
	}
	if scopeFamily(scope) != f {
		return nil, fmt.Errorf("record %q: scope %s does not match address family %s",
			task.Name, scope, f)
	}

	return &State{
		server:        server,
		fqdn:          task.Name,
		iface:         task.Interface,
		zone:          task.Zone,
		ttl:           task.TTL,
		neighbors:     task.NeighborAddrs,
		scope:         scope,
		family:        f,
		retryInterval: RetryInterval,
		now:           time.Now,
		logger:        logger,
	}, nil
}

// NewForTest builds a State with an injected clock and retry interval.
func NewForTest(task *config.Task, server Updater, f Family, logger *slog.Logger,
	now func() time.Time, retry time.Duration) (*State, error) {
	s, err := New(task, server, f, logger)
	if err != nil {
		return nil, err
	}
	s.now = now
	s.retryInterval = retry
	return s, nil
}

func scopeFamily(p netip.Prefix) Family {
	if p.Addr().Is4() {
		return FamilyV4
	}
	return FamilyV6
}

// Interface returns the interface name this record listens on.
func (s *State) Interface() string { return s.iface }

// Dirty reports whether an update is pending.
func (s *State) Dirty() bool { return s.dirty }

// Addr returns the current learned address (zero Addr if none yet).
func (s *State) Addr() netip.Addr { return s.addr }

// SetAddress records a newly observed address. It returns true when the
// address is in scope and differs from the current one; the record is
// then dirty and due immediately.
func (s *State) SetAddress(addr netip.Addr) bool {
	if !s.scope.Contains(addr) {
		return false
	}
	if s.addr == addr {
		return false
	}

	s.addr = addr
	s.dirty = true
	s.lastTry = time.Time{}
	return true
}

// CanUpdate reports whether an update attempt is allowed now: the record
// is dirty and was either never tried or tried at least a retry interval
// ago.
func (s *State) CanUpdate() bool {
	if !s.dirty {
		return false
	}
	if s.lastTry.IsZero() {
		return true
	}
	return !s.now().Before(s.lastTry.Add(s.retryInterval))
}

// NextTimeout returns when this record next wants to be woken. ok is
// false for clean records.
func (s *State) NextTimeout() (next time.Time, ok bool) {
	if !s.dirty {
		return time.Time{}, false
	}
	if s.lastTry.IsZero() {
		return s.now(), true
	}
	return s.lastTry.Add(s.retryInterval), true
}

// Update pushes the primary record and, for IPv6, the derived neighbor
// records. A primary failure re-dirties the record for retry and skips
// the neighbors. Neighbor failures are logged only.
func (s *State) Update() {
	s.dirty = false
	s.lastTry = s.now()

	if s.fqdn != "" {
		if err := s.updateAddr(s.fqdn, s.addr); err != nil {
			s.logger.Error("error updating record",
				"name", s.fqdn, "addr", s.addr, "error", err)
			s.dirty = true
			return
		}
	}

	if s.family != FamilyV6 {
		return
	}
	for name, template := range s.neighbors {
		addr := spliceNeighbor(s.addr, template)
		if err := s.updateAddr(name, addr); err != nil {
			s.logger.Error("error updating neighbor",
				"name", name, "addr", addr, "error", err)
		}
	}
}

// updateAddr queries the authoritative state first and only sends an
// UPDATE when the answer differs or is unknown.
func (s *State) updateAddr(name string, addr netip.Addr) error {
	qtype := uint16(dns.TypeAAAA)
	if addr.Is4() {
		qtype = dns.TypeA
	}

	answers, err := s.server.Query(name, qtype)
	switch {
	case err != nil:
		// Unknown authoritative state: attempt the update anyway.
		s.logger.Error("error querying current record", "name", name, "error", err)
	case len(answers) == 1 && answers[0] == addr:
		s.logger.Info("no address change", "name", name, "addr", addr)
		metrics.UpdatesSkipped.Inc()
		return nil
	default:
		s.logger.Info("outdated record", "name", name, "have", answers, "want", addr)
	}

	return s.server.Update(name, addr, s.zone, s.ttl)
}

// spliceNeighbor combines the high 64 bits of the learned address with
// the low 64 bits of the neighbor's template.
func spliceNeighbor(prefix, template netip.Addr) netip.Addr {
	var b [16]byte
	p := prefix.As16()
	t := template.As16()
	copy(b[:8], p[:8])
	copy(b[8:], t[8:])
	return netip.AddrFrom16(b)
}
