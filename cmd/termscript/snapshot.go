package main

import (
	"context"
	"time"

	"pkt.systems/termscript/core"
	"pkt.systems/termscript/internal/persist"
)

// snapshotter periodically writes host status to the state store so that
// `termscript status` can inspect a running or finished session.
type snapshotter struct {
	host  *core.Host
	store *persist.Store
	name  string
	every time.Duration
	now   func() time.Time
}

func newSnapshotter(host *core.Host, store *persist.Store, name string, every time.Duration) *snapshotter {
	return &snapshotter{host: host, store: store, name: name, every: every, now: time.Now}
}

func (s *snapshotter) Run(ctx context.Context) {
	s.Save()
	if s.every <= 0 {
		return
	}
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Save()
		}
	}
}

// Save writes one snapshot. Failures are logged by the store.
func (s *snapshotter) Save() {
	_ = s.store.Save(s.name, persist.FromStatus(s.host.Status(), s.now()))
}
