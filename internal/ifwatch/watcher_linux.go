//go:build linux

package ifwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/athena-dhcpd/athena-ddnsd/internal/metrics"
)

// restartDelay spaces out resubscription attempts after a socket error.
const restartDelay = time.Second

// Watcher owns the netlink subscription. Events are delivered on C, a
// capacity-1 channel: the kernel listener blocks until the reconciler has
// taken the previous event.
type Watcher struct {
	C      chan Event
	logger *slog.Logger
}

// New creates a watcher. Run must be started for events to flow.
func New(logger *slog.Logger) *Watcher {
	return &Watcher{
		C:      make(chan Event, 1),
		logger: logger,
	}
}

// Run subscribes, enumerates, and listens, restarting the whole cycle on
// any socket error. It returns, closing C, only when ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.C)
	for {
		err := w.watch(ctx)
		if ctx.Err() != nil {
			return
		}
		metrics.WatcherRestarts.Inc()
		w.logger.Error("netlink listener failed, restarting", "error", err)
		select {
		case <-time.After(restartDelay):
		case <-ctx.Done():
			return
		}
	}
}

// watch runs one subscribe-enumerate-listen cycle.
func (w *Watcher) watch(ctx context.Context) error {
	conn, err := rtnetlink.Dial(&netlink.Config{
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR,
	})
	if err != nil {
		return fmt.Errorf("netlink dial: %w", err)
	}
	defer conn.Close()

	// Receive has no context support; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	names := make(map[uint32]string)
	links, err := conn.Link.List()
	if err != nil {
		return fmt.Errorf("listing links: %w", err)
	}
	for _, l := range links {
		if l.Attributes != nil && l.Attributes.Name != "" {
			names[l.Index] = l.Attributes.Name
		}
	}

	addrs, err := conn.Address.List()
	if err != nil {
		return fmt.Errorf("listing addresses: %w", err)
	}
	for _, a := range addrs {
		if err := w.emit(ctx, names, &a); err != nil {
			return err
		}
	}

	for {
		msgs, omsgs, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("netlink receive: %w", err)
		}

		for i, msg := range msgs {
			switch m := msg.(type) {
			case *rtnetlink.LinkMessage:
				switch omsgs[i].Header.Type {
				case unix.RTM_NEWLINK:
					if m.Attributes != nil && m.Attributes.Name != "" {
						names[m.Index] = m.Attributes.Name
					}
				case unix.RTM_DELLINK:
					delete(names, m.Index)
				}
			case *rtnetlink.AddressMessage:
				if omsgs[i].Header.Type != unix.RTM_NEWADDR {
					continue
				}
				if err := w.emit(ctx, names, m); err != nil {
					return err
				}
			}
		}
	}
}

// emit applies the address filter and delivers the event, honouring the
// channel's back-pressure.
func (w *Watcher) emit(ctx context.Context, names map[uint32]string, m *rtnetlink.AddressMessage) error {
	name, ok := names[m.Index]
	if !ok {
		w.logger.Debug("address on unknown link", "index", m.Index)
		return nil
	}
	addr, ok := messageAddr(m)
	if !ok {
		return nil
	}

	metrics.AddressEvents.WithLabelValues(family(addr)).Inc()
	w.logger.Debug("address event", "interface", name, "addr", addr)

	select {
	case w.C <- Event{Interface: name, Addr: addr}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// messageAddr extracts the usable address from a netlink address message.
// Temporary (privacy) addresses are skipped. On point-to-point links the
// kernel stores the peer in IFA_ADDRESS and our end in IFA_LOCAL; the
// local endpoint wins. Scope filtering is left to the record layer.
func messageAddr(m *rtnetlink.AddressMessage) (netip.Addr, bool) {
	if m.Attributes == nil {
		return netip.Addr{}, false
	}

	// IFA_FLAGS supersedes the header flag byte on modern kernels.
	flags := uint32(m.Flags) | m.Attributes.Flags
	if flags&unix.IFA_F_TEMPORARY != 0 {
		return netip.Addr{}, false
	}

	ip := m.Attributes.Address
	if local := m.Attributes.Local; len(local) > 0 && !local.Equal(ip) {
		ip = local
	}

	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

func family(addr netip.Addr) string {
	if addr.Is4() {
		return "v4"
	}
	return "v6"
}
