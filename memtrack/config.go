package memtrack

// Config controls a Tracker.
type Config struct {
	// MaxTrackedAllocations caps how many live heap allocations the
	// ledger can hold at once. The backing table is reserved up front
	// and never grows; once it fills, new allocations are dropped from
	// the profile and counted in Stats.
	MaxTrackedAllocations int

	// MaxCallPaths caps the number of distinct call paths interned.
	// Zero means unlimited. Past the cap, new paths fold into their
	// longest already-known prefix and the event is counted in Stats.
	MaxCallPaths int

	// DetectOutOfMemory enables the low-memory watcher.
	DetectOutOfMemory bool

	// MemLimit overrides the detected memory limit, in bytes. Zero
	// autodetects from cgroup v2 or /proc/meminfo.
	MemLimit uint64

	// MinAvailable is the available-memory floor, in bytes, below
	// which the watcher trips. Zero picks a default from the limit.
	MinAvailable uint64

	// CheckInterval is how many newly allocated bytes may pass between
	// limit checks.
	CheckInterval uint64

	// OnOutOfMemory runs at most once, on the allocating goroutine,
	// after the watcher trips. Tracking is already stopped when it runs.
	OnOutOfMemory func(*Tracker)

	// FlamegraphCommand names an external folded-stack renderer such
	// as flamegraph.pl. Empty skips SVG generation in reports.
	FlamegraphCommand string

	// Verbose enables debug logging of lifecycle events.
	Verbose bool
}

// DefaultConfig returns the settings used when a Config field is zero.
func DefaultConfig() Config {
	return Config{
		MaxTrackedAllocations: 1 << 20,
		CheckInterval:         16 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxTrackedAllocations <= 0 {
		c.MaxTrackedAllocations = d.MaxTrackedAllocations
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = d.CheckInterval
	}
	return c
}
