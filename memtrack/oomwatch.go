package memtrack

import (
	log "github.com/sirupsen/logrus"
)

// oomWatcher decides when the process is close enough to memory
// exhaustion that the profile should be captured before the kernel
// kills anything. Probes are rationed by allocated bytes rather than
// time, so an idle process costs nothing.
type oomWatcher struct {
	checkEvery   uint64
	sinceCheck   uint64
	hardLimit    uint64 // tracked-bytes ceiling; 0 = probe availability
	minAvailable uint64
	available    func() (uint64, bool)
}

func newOOMWatcher(cfg Config) *oomWatcher {
	w := &oomWatcher{
		checkEvery:   cfg.CheckInterval,
		hardLimit:    cfg.MemLimit,
		minAvailable: cfg.MinAvailable,
		available:    availableMemory,
	}
	if w.hardLimit == 0 && w.minAvailable == 0 {
		w.minAvailable = defaultMinAvailable(detectMemLimit())
	}
	log.WithFields(log.Fields{
		"hard_limit":    w.hardLimit,
		"min_available": w.minAvailable,
	}).Debug("out-of-memory watcher armed")
	return w
}

// defaultMinAvailable leaves enough headroom to finish writing the
// report: 100MB, or 5% of the limit when that is larger.
func defaultMinAvailable(limit uint64) uint64 {
	const floor = 100 << 20
	if limit/20 > floor {
		return limit / 20
	}
	return floor
}

// shouldTrigger is called under the tracker lock for every tracked
// byte increase. With a hard limit the check is a plain comparison;
// otherwise the availability probe runs at most once per checkEvery
// allocated bytes.
func (w *oomWatcher) shouldTrigger(total, size uint64) bool {
	if w.hardLimit > 0 {
		return total >= w.hardLimit
	}
	w.sinceCheck += size
	if w.sinceCheck < w.checkEvery || w.available == nil {
		return false
	}
	w.sinceCheck = 0
	avail, ok := w.available()
	if !ok {
		return false
	}
	return avail < w.minAvailable
}

func (w *oomWatcher) rearm() {
	w.sinceCheck = 0
}
