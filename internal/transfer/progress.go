package transfer

import (
	"sync"
	"time"
)

// notifier periodically delivers progress snapshots for live transfers to
// a single observer callback. Observation never blocks transfer workers:
// workers only touch atomic counters, and the notifier goroutine samples
// them on its own clock.
type notifier struct {
	onProgress func(Progress)
	interval   time.Duration

	mu     sync.Mutex
	active map[string]*tracked
	stop   chan struct{}
}

// tracked pairs a transfer with the byte count at the previous sample,
// for rate calculation.
type tracked struct {
	t        *Transfer
	lastSeen int64
	lastAt   time.Time
}

func newNotifier(onProgress func(Progress), interval time.Duration) *notifier {
	return &notifier{
		onProgress: onProgress,
		interval:   interval,
		active:     make(map[string]*tracked),
	}
}

// track registers a running transfer for periodic observation. The sampling
// goroutine starts with the first tracked transfer and stops when the last
// one finishes.
func (n *notifier) track(t *Transfer) {
	if n.onProgress == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.active[t.ID] = &tracked{t: t, lastAt: time.Now()}

	if n.stop == nil {
		n.stop = make(chan struct{})
		go n.loop(n.stop)
	}
}

// final emits the terminal snapshot and unregisters the transfer.
func (n *notifier) final(t *Transfer) {
	if n.onProgress == nil {
		return
	}

	n.mu.Lock()
	delete(n.active, t.ID)

	if len(n.active) == 0 && n.stop != nil {
		close(n.stop)
		n.stop = nil
	}
	n.mu.Unlock()

	n.onProgress(t.Snapshot())
}

// loop samples all active transfers on each tick.
func (n *notifier) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			n.sample(now)
		}
	}
}

// sample emits one snapshot per active transfer, with the byte rate since
// the previous sample.
func (n *notifier) sample(now time.Time) {
	n.mu.Lock()
	snapshots := make([]Progress, 0, len(n.active))

	for _, tr := range n.active {
		p := tr.t.Snapshot()

		if elapsed := now.Sub(tr.lastAt).Seconds(); elapsed > 0 {
			p.Rate = float64(p.Transferred-tr.lastSeen) / elapsed
		}

		tr.lastSeen = p.Transferred
		tr.lastAt = now

		snapshots = append(snapshots, p)
	}
	n.mu.Unlock()

	// Callback runs outside the lock so a slow observer cannot stall
	// track/final calls from transfer goroutines.
	for _, p := range snapshots {
		n.onProgress(p)
	}
}
