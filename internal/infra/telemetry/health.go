package telemetry

import (
	"sort"
	"sync"
	"time"
)

// HealthTracker aggregates heartbeats of background loops and ad-hoc probes.
type HealthTracker struct {
	mu     sync.Mutex
	beats  map[string]*Heartbeat
	probes map[string]func() error
	now    func() time.Time
}

type Heartbeat struct {
	tracker    *HealthTracker
	name       string
	staleAfter time.Duration
	last       time.Time
}

type HealthCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type HealthReport struct {
	Status string        `json:"status"`
	Checks []HealthCheck `json:"checks,omitempty"`
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		beats:  make(map[string]*Heartbeat),
		probes: make(map[string]func() error),
		now:    time.Now,
	}
}

// Register adds a loop that must beat at least once every staleAfter.
func (t *HealthTracker) Register(name string, staleAfter time.Duration) *Heartbeat {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	beat := &Heartbeat{tracker: t, name: name, staleAfter: staleAfter}
	t.beats[name] = beat
	return beat
}

// AddProbe adds a check evaluated on every report.
func (t *HealthTracker) AddProbe(name string, probe func() error) {
	if t == nil || probe == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.probes[name] = probe
}

func (h *Heartbeat) Beat() {
	if h == nil {
		return
	}
	h.tracker.mu.Lock()
	h.last = h.tracker.now()
	h.tracker.mu.Unlock()
}

func (t *HealthTracker) Report() HealthReport {
	if t == nil {
		return HealthReport{Status: "ok"}
	}
	t.mu.Lock()
	now := t.now()
	checks := make([]HealthCheck, 0, len(t.beats)+len(t.probes))
	for name, beat := range t.beats {
		check := HealthCheck{Name: name, Status: "ok"}
		switch {
		case beat.last.IsZero():
			check.Status = "starting"
			check.Message = "no heartbeat yet"
		case now.Sub(beat.last) > beat.staleAfter:
			check.Status = "stale"
			check.Message = "last heartbeat " + now.Sub(beat.last).Round(time.Millisecond).String() + " ago"
		}
		checks = append(checks, check)
	}
	probes := make(map[string]func() error, len(t.probes))
	for name, probe := range t.probes {
		probes[name] = probe
	}
	t.mu.Unlock()

	for name, probe := range probes {
		check := HealthCheck{Name: name, Status: "ok"}
		if err := probe(); err != nil {
			check.Status = "failing"
			check.Message = err.Error()
		}
		checks = append(checks, check)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	report := HealthReport{Status: "ok", Checks: checks}
	for _, check := range checks {
		if check.Status == "stale" || check.Status == "failing" {
			report.Status = "unhealthy"
			break
		}
	}
	return report
}
