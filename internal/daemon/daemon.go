// Package daemon runs the reconciler: it routes interface address events
// into record states and drives debounced, serialized DNS updates.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/athena-dhcpd/athena-ddnsd/internal/config"
	"github.com/athena-dhcpd/athena-ddnsd/internal/dnsclient"
	"github.com/athena-dhcpd/athena-ddnsd/internal/ifwatch"
	"github.com/athena-dhcpd/athena-ddnsd/internal/metrics"
	"github.com/athena-dhcpd/athena-ddnsd/internal/record"
)

const (
	// IdleTimeout is the quiet window after the last observed address
	// change before updates are attempted. It collapses the flurry of
	// kernel notifications around one address change into one update.
	IdleTimeout = time.Second

	// neverTimeout stands in for "wait for an event".
	neverTimeout = 365 * 24 * time.Hour
)

// Daemon owns every record state, indexed by interface name. All record
// reads and mutations happen on the Run goroutine.
type Daemon struct {
	records map[string][]*record.State
	events  <-chan ifwatch.Event
	logger  *slog.Logger

	idleTimeout time.Duration
}

// New builds one DNS server handle per key and one record state per task.
func New(cfg *config.Config, events <-chan ifwatch.Event, logger *slog.Logger) (*Daemon, error) {
	servers := make(map[string]*dnsclient.Server, len(cfg.Keys))
	for id, k := range cfg.Keys {
		servers[id] = dnsclient.NewServer(k.ServerAddr, dnsclient.Key{
			Name:      k.Name,
			Algorithm: k.Algorithm,
			Secret:    k.SecretBytes,
		}, logger)
	}

	d := &Daemon{
		records:     make(map[string][]*record.State),
		events:      events,
		logger:      logger,
		idleTimeout: IdleTimeout,
	}

	add := func(t *config.Task, f record.Family) error {
		r, err := record.New(t, servers[t.Key], f, logger)
		if err != nil {
			return err
		}
		d.records[t.Interface] = append(d.records[t.Interface], r)
		return nil
	}
	for _, t := range cfg.A {
		if err := add(t, record.FamilyV4); err != nil {
			return nil, err
		}
	}
	for _, t := range cfg.AAAA {
		if err := add(t, record.FamilyV6); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Run processes events until ctx is cancelled or the event stream closes.
// A closed stream is fatal: without kernel notifications the daemon is
// blind.
func (d *Daemon) Run(ctx context.Context) error {
	interval := neverTimeout
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-d.events:
			if !ok {
				return errors.New("interface event stream finished")
			}
			changed := false
			for _, r := range d.records[ev.Interface] {
				if r.SetAddress(ev.Addr) {
					d.logger.Info("address changed",
						"interface", ev.Interface, "addr", ev.Addr)
					changed = true
				}
			}
			if changed {
				interval = d.idleTimeout
				resetTimer(timer, interval)
			}

		case <-timer.C:
			interval = neverTimeout

			// At most one update per wake-up: UPDATEs across the whole
			// daemon are serialized.
		update:
			for _, rs := range d.records {
				for _, r := range rs {
					if r.CanUpdate() {
						r.Update()
						break update
					}
				}
			}

			// Wake up again for the earliest record still dirty.
			now := time.Now()
			dirty := 0
			for _, rs := range d.records {
				for _, r := range rs {
					next, ok := r.NextTimeout()
					if !ok {
						continue
					}
					dirty++
					wait := next.Sub(now)
					if wait < 0 {
						wait = 0
					}
					if wait < interval {
						interval = wait
					}
				}
			}
			metrics.RecordsDirty.Set(float64(dirty))
			resetTimer(timer, interval)
		}
	}
}

// resetTimer re-arms a timer that has fired or been consumed.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
