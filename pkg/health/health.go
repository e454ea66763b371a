// Package health tracks the health of the parts of a SAFS instance (the
// page cache and each disk) from the outcome of their operations and from
// periodic checks.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flashxio/safs/pkg/errors"
)

// State represents the health state of a component
type State int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy State = iota

	// StateDegraded indicates repeated failures
	StateDegraded

	// StateReadOnly indicates writes keep failing while reads may still work
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string    `json:"name"`
	State             State     `json:"state"`
	LastStateChange   time.Time `json:"last_state_change"`
	LastHealthCheck   time.Time `json:"last_health_check"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorMessage  string    `json:"last_error,omitempty"`
}

// Config configures health tracking behavior
type Config struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int

	// CheckInterval is the period of Run's checks
	CheckInterval time.Duration
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ErrorThreshold <= 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "health error threshold must be positive").
			WithComponent("health")
	}
	if c.UnavailableThreshold < c.ErrorThreshold {
		return errors.Newf(errors.ErrCodeInvalidConfig,
			"unavailable threshold %d is below error threshold %d", c.UnavailableThreshold, c.ErrorThreshold).
			WithComponent("health")
	}
	if c.CheckInterval <= 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "health check interval must be positive").
			WithComponent("health")
	}
	return nil
}

// StateChangeCallback is called, in its own goroutine, when a component's
// health state changes
type StateChangeCallback func(component string, from, to State, err error)

// Tracker tracks the health of multiple components and determines overall system health
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     Config
	callbacks  []StateChangeCallback
}

// NewTracker creates a new health tracker
func NewTracker(config Config) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(def.UnavailableThreshold, config.ErrorThreshold)
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
	}
}

// RegisterComponent registers a new component for health tracking
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
}

// RecordSuccess records a successful operation for a component. Each
// success cancels one earlier error; the component is healthy again once
// none are left.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}
	health.LastHealthCheck = time.Now()
	if health.ConsecutiveErrors == 0 {
		return
	}
	health.ConsecutiveErrors--
	if health.ConsecutiveErrors == 0 && health.State != StateHealthy {
		t.transition(health, StateHealthy, nil)
	}
}

// RecordError records an error for a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}
	health.LastHealthCheck = time.Now()
	health.ConsecutiveErrors++
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := health.State
	switch {
	case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case health.ConsecutiveErrors >= t.config.ErrorThreshold:
		if errors.CodeOf(err) == errors.ErrCodeStorageWrite {
			newState = StateReadOnly
		} else {
			newState = StateDegraded
		}
	}
	if newState != health.State {
		t.transition(health, newState, err)
	}
}

// transition must be called with t.mu held.
func (t *Tracker) transition(health *ComponentHealth, to State, err error) {
	from := health.State
	health.State = to
	health.LastStateChange = time.Now()
	if to == StateHealthy {
		health.ConsecutiveErrors = 0
		health.LastErrorMessage = ""
	}
	for _, cb := range t.callbacks {
		go cb(health.Name, from, to, err)
	}
}

// GetState returns the state of a component. Unknown components are
// unavailable.
func (t *Tracker) GetState(component string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health of a component
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, errors.Newf(errors.ErrCodeNotInitialized, "component %s not registered", component).
			WithComponent("health")
	}
	return *health, nil
}

// Overall is the worst state of any component.
func (t *Tracker) Overall() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, health := range t.components {
		overall = max(overall, health.State)
	}
	return overall
}

// CanRead returns true if the component can serve reads
func (t *Tracker) CanRead(component string) bool {
	return t.GetState(component) != StateUnavailable
}

// CanWrite returns true if the component can serve writes
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// OnStateChange registers a callback for every state change.
func (t *Tracker) OnStateChange(cb StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// Report is the health of every component, as served on /health.
type Report struct {
	Status     State             `json:"status"`
	Components []ComponentHealth `json:"components"`
}

// Report returns the components sorted by name.
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r := Report{Status: StateHealthy, Components: make([]ComponentHealth, 0, len(t.components))}
	for _, health := range t.components {
		r.Status = max(r.Status, health.State)
		r.Components = append(r.Components, *health)
	}
	sort.Slice(r.Components, func(i, j int) bool {
		return r.Components[i].Name < r.Components[j].Name
	})
	return r
}

// Run checks every registered component each CheckInterval until ctx is
// done.
func (t *Tracker) Run(ctx context.Context, check func(component string) error) {
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckAll(check)
		}
	}
}

// CheckAll runs check once for every registered component.
func (t *Tracker) CheckAll(check func(component string) error) {
	t.mu.RLock()
	names := make([]string, 0, len(t.components))
	for name := range t.components {
		names = append(names, name)
	}
	t.mu.RUnlock()

	for _, name := range names {
		if err := check(name); err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
}
