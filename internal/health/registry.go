// Package health tracks per-integration availability with a consecutive-
// failure circuit breaker and writes human-actionable alert artifacts.
//
// Breaker rule: three consecutive failures flips a component to down and
// raises exactly one alert; any success resets the counter and closes the
// breaker. State is process-lifetime only. Recovery probing happens
// externally (the scheduler's periodic offline-queue flush doubles as the
// probe), so there is no half-open timer here.
package health

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/quillworks/majordomo/internal/audit"
)

// Strategy is what the engine does with work for a component whose breaker
// is open.
type Strategy string

const (
	// StrategyQueueToLocal buffers outbound work in the offline queue for
	// a later flush.
	StrategyQueueToLocal Strategy = "queue_to_local"
	// StrategyLogOnly drops the work after recording it in the audit log.
	StrategyLogOnly Strategy = "log_only"
	// StrategyContinueWithBacklog keeps upstream producers running and
	// pauses only the consuming side, letting a backlog accumulate.
	StrategyContinueWithBacklog Strategy = "continue_with_backlog"
)

// IsValid checks if the strategy value is valid
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyQueueToLocal, StrategyLogOnly, StrategyContinueWithBacklog:
		return true
	}
	return false
}

// Status is the breaker position for one component.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Config controls the registry.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int
	// Strategies maps component name to degradation strategy. Components
	// not listed get DefaultStrategy.
	Strategies map[string]Strategy
	// DefaultStrategy applies to components without an explicit entry.
	DefaultStrategy Strategy
}

// DefaultConfig returns the standard breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Strategies:       map[string]Strategy{},
		DefaultStrategy:  StrategyQueueToLocal,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if !c.DefaultStrategy.IsValid() {
		return fmt.Errorf("invalid default strategy: %s", c.DefaultStrategy)
	}
	for name, s := range c.Strategies {
		if !s.IsValid() {
			return fmt.Errorf("invalid strategy for component %s: %s", name, s)
		}
	}
	return nil
}

type componentState struct {
	strategy            Strategy
	status              Status
	consecutiveFailures int
	totalFailures       int
	lastError           string
	lastFailure         time.Time
	lastHealthy         time.Time
}

// ComponentHealth is a point-in-time snapshot of one component, safe to
// hand to the status board.
type ComponentHealth struct {
	Name                string
	Strategy            Strategy
	Status              Status
	ConsecutiveFailures int
	TotalFailures       int
	LastError           string
	LastFailure         time.Time
	LastHealthy         time.Time
}

// Registry tracks component health for one engine process.
type Registry struct {
	mu         sync.RWMutex
	cfg        Config
	components map[string]*componentState
	alerter    *Alerter
	audit      *audit.Logger
	now        func() time.Time
}

// NewRegistry creates a health registry. The alerter and audit logger are
// required so every breaker transition is observable.
func NewRegistry(cfg Config, alerter *Alerter, auditLog *audit.Logger) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid health config: %w", err)
	}
	if alerter == nil {
		return nil, fmt.Errorf("alerter is required")
	}
	if auditLog == nil {
		return nil, fmt.Errorf("audit logger is required")
	}
	r := &Registry{
		cfg:        cfg,
		components: make(map[string]*componentState),
		alerter:    alerter,
		audit:      auditLog,
		now:        time.Now,
	}
	for name, strategy := range cfg.Strategies {
		r.components[name] = &componentState{strategy: strategy, status: StatusHealthy}
	}
	return r, nil
}

// ensureLocked returns the state for a component, registering it with the
// default strategy on first sight. Caller holds r.mu.
func (r *Registry) ensureLocked(component string) *componentState {
	st, ok := r.components[component]
	if !ok {
		st = &componentState{strategy: r.cfg.DefaultStrategy, status: StatusHealthy}
		r.components[component] = st
	}
	return st
}

// MarkFailure records one failure against the component and returns the
// resulting status. The breaker opens at exactly the configured threshold
// and produces one alert; later failures while down are counted silently.
func (r *Registry) MarkFailure(component string, cause error) Status {
	r.mu.Lock()
	st := r.ensureLocked(component)
	st.consecutiveFailures++
	st.totalFailures++
	if cause != nil {
		st.lastError = cause.Error()
	}
	st.lastFailure = r.now().UTC()

	opened := false
	if st.status != StatusDown {
		if st.consecutiveFailures >= r.cfg.FailureThreshold {
			st.status = StatusDown
			opened = true
		} else {
			st.status = StatusDegraded
		}
	}
	status := st.status
	failures := st.consecutiveFailures
	strategy := st.strategy
	lastError := st.lastError
	r.mu.Unlock()

	if opened {
		fmt.Printf("Component %s is down after %d consecutive failures (strategy: %s)\n",
			component, failures, strategy)

		if err := r.audit.Log(audit.Entry{
			ActionType: audit.ActionComponentFailure,
			Target:     component,
			Parameters: map[string]interface{}{
				"consecutive_failures": failures,
				"strategy":             string(strategy),
			},
			Result: "failure",
			Error:  lastError,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to audit breaker open for %s: %v\n", component, err)
		}

		if _, err := r.alerter.Raise(Alert{
			Kind:      AlertComponentDown,
			Severity:  SeverityCritical,
			Component: component,
			Summary:   fmt.Sprintf("%s is down (%d consecutive failures)", component, failures),
			Detail:    fmt.Sprintf("Last error: %s", lastError),
			Action:    strategyAction(strategy, component),
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to raise alert for %s: %v\n", component, err)
		}
	}
	return status
}

// Halt forces the component's breaker open without waiting for the
// threshold. Used for auth failures, where continuing to hammer the
// integration cannot help. No component_down alert is raised here; the
// caller owns the alert for whatever forced the halt.
func (r *Registry) Halt(component string, cause error) {
	r.mu.Lock()
	st := r.ensureLocked(component)
	alreadyDown := st.status == StatusDown
	st.status = StatusDown
	st.consecutiveFailures = r.cfg.FailureThreshold
	st.totalFailures++
	if cause != nil {
		st.lastError = cause.Error()
	}
	st.lastFailure = r.now().UTC()
	r.mu.Unlock()

	if alreadyDown {
		return
	}
	fmt.Printf("Component %s halted\n", component)
	if err := r.audit.Log(audit.Entry{
		ActionType: audit.ActionComponentFailure,
		Target:     component,
		Parameters: map[string]interface{}{"halted": true},
		Result:     "failure",
		Error:      errString(cause),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to audit halt of %s: %v\n", component, err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// MarkHealthy records a success, closing the breaker. Returns true when the
// component was down, so the caller can kick off an offline-queue flush.
func (r *Registry) MarkHealthy(component string) bool {
	r.mu.Lock()
	st := r.ensureLocked(component)
	wasDown := st.status == StatusDown
	st.consecutiveFailures = 0
	st.status = StatusHealthy
	st.lastHealthy = r.now().UTC()
	r.mu.Unlock()

	if wasDown {
		fmt.Printf("Component %s recovered\n", component)
		if err := r.audit.Record(audit.ActionComponentRecovered, component, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to audit recovery of %s: %v\n", component, err)
		}
	}
	return wasDown
}

// Status returns the breaker position for the component. Unknown components
// are healthy.
func (r *Registry) Status(component string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.components[component]; ok {
		return st.status
	}
	return StatusHealthy
}

// Available reports whether work may be sent to the component.
func (r *Registry) Available(component string) bool {
	return r.Status(component) != StatusDown
}

// StrategyFor returns the degradation strategy in force for the component.
func (r *Registry) StrategyFor(component string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.components[component]; ok {
		return st.strategy
	}
	return r.cfg.DefaultStrategy
}

// Down lists components whose breaker is currently open, sorted by name.
func (r *Registry) Down() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, st := range r.components {
		if st.status == StatusDown {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the health of every known component, sorted by name.
func (r *Registry) Snapshot() []ComponentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ComponentHealth, 0, len(r.components))
	for name, st := range r.components {
		out = append(out, ComponentHealth{
			Name:                name,
			Strategy:            st.strategy,
			Status:              st.status,
			ConsecutiveFailures: st.consecutiveFailures,
			TotalFailures:       st.totalFailures,
			LastError:           st.lastError,
			LastFailure:         st.lastFailure,
			LastHealthy:         st.lastHealthy,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// strategyAction spells out the unblock path for a breaker-open alert.
func strategyAction(s Strategy, component string) string {
	switch s {
	case StrategyQueueToLocal:
		return fmt.Sprintf("Outbound work for %s is buffering in the offline queue. "+
			"Fix the integration, then run `majordomo flush %s` (the scheduler also retries automatically).",
			component, component)
	case StrategyLogOnly:
		return fmt.Sprintf("New work for %s is being dropped after logging. "+
			"Fix the integration; dropped items are recorded in the audit log.", component)
	case StrategyContinueWithBacklog:
		return fmt.Sprintf("Producers keep running; %s consumption is paused and a backlog is accumulating. "+
			"Fix the integration to resume draining.", component)
	}
	return fmt.Sprintf("Investigate %s and restore the integration.", component)
}
