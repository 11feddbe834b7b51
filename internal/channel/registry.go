package channel

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
)

// Settings are the raw configuration values of one channel instance.
type Settings map[string]string

// Builder constructs a channel from complete settings and its limiter.
type Builder func(settings Settings, limiter ratelimit.Limiter) (Channel, error)

// Registration describes how to build one channel type.
type Registration struct {
	Type             domain.ChannelType
	RequiredSettings []string
	MaxRequests      int
	Window           time.Duration
	Build            Builder
}

// Status is an operational snapshot of a registered channel type.
type Status struct {
	Type      domain.ChannelType `json:"type"`
	Name      string             `json:"name,omitempty"`
	Available bool               `json:"available"`
	RateLimit *RateLimitStatus   `json:"rate_limit,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type RateLimitStatus struct {
	MaxRequests     int       `json:"max_requests"`
	WindowSeconds   float64   `json:"window_seconds"`
	CurrentRequests int       `json:"current_requests"`
	ResetAt         time.Time `json:"reset_at"`
}

// Registry builds channels on demand and caches one instance per distinct
// configuration, so callers with the same credentials share a rate limit.
type Registry struct {
	mu            sync.Mutex
	registrations map[domain.ChannelType]Registration
	settings      map[domain.ChannelType]Settings
	instances     map[string]Channel
	newLimiter    ratelimit.Factory
}

func NewRegistry(newLimiter ratelimit.Factory) *Registry {
	if newLimiter == nil {
		newLimiter = ratelimit.LocalFactory
	}
	return &Registry{
		registrations: make(map[domain.ChannelType]Registration),
		settings:      make(map[domain.ChannelType]Settings),
		instances:     make(map[string]Channel),
		newLimiter:    newLimiter,
	}
}

// Register adds a channel type with the settings loaded at startup.
// Registering a type again replaces it and drops its cached instances.
func (r *Registry) Register(reg Registration, settings Settings) error {
	if !reg.Type.IsValid() {
		return fmt.Errorf("%w: unsupported channel type %q", ErrConfiguration, reg.Type)
	}
	if reg.Build == nil {
		return fmt.Errorf("%w: %s registration has no builder", ErrConfiguration, reg.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.registrations[reg.Type] = reg
	r.settings[reg.Type] = cloneSettings(settings)
	r.invalidateLocked(reg.Type)
	return nil
}

// Channel returns the instance for channelType built from its registered
// settings.
func (r *Registry) Channel(channelType domain.ChannelType) (Channel, error) {
	r.mu.Lock()
	settings, ok := r.settings[channelType]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, channelType)
	}
	return r.Create(channelType, settings)
}

// Create returns the cached instance for channelType and settings, building
// it if this configuration has not been seen. Incomplete settings fail with
// ErrConfiguration.
func (r *Registry) Create(channelType domain.ChannelType, settings Settings) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.registrations[channelType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, channelType)
	}

	if missing := missingSettings(reg.RequiredSettings, settings); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s requires %s", ErrConfiguration, channelType, strings.Join(missing, ", "))
	}

	key := InstanceKey(channelType, settings)
	if ch, ok := r.instances[key]; ok {
		return ch, nil
	}

	ch, err := reg.Build(cloneSettings(settings), r.newLimiter(key, reg.MaxRequests, reg.Window))
	if err != nil {
		return nil, fmt.Errorf("build %s channel: %w", channelType, err)
	}
	r.instances[key] = ch
	return ch, nil
}

// Invalidate drops every cached instance of channelType. The next lookup
// builds a fresh instance with a fresh rate-limit window.
func (r *Registry) Invalidate(channelType domain.ChannelType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidateLocked(channelType)
}

// Refresh replaces the registered settings of channelType and rebuilds it.
func (r *Registry) Refresh(channelType domain.ChannelType, settings Settings) (Channel, error) {
	r.mu.Lock()
	if _, ok := r.registrations[channelType]; !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, channelType)
	}
	r.settings[channelType] = cloneSettings(settings)
	r.invalidateLocked(channelType)
	r.mu.Unlock()

	return r.Channel(channelType)
}

// Types lists the registered channel types in a stable order.
func (r *Registry) Types() []domain.ChannelType {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]domain.ChannelType, 0, len(r.registrations))
	for t := range r.registrations {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Status reports availability and rate-limit state for every registered type.
func (r *Registry) Status(ctx context.Context) []Status {
	types := r.Types()
	statuses := make([]Status, 0, len(types))
	for _, t := range types {
		st := Status{Type: t}
		ch, err := r.Channel(t)
		if err != nil {
			st.Error = err.Error()
			statuses = append(statuses, st)
			continue
		}
		st.Name = ch.Name()
		st.Available = ch.IsAvailable()
		if state, err := ch.RateLimit(ctx); err == nil {
			st.RateLimit = &RateLimitStatus{
				MaxRequests:     state.MaxRequests,
				WindowSeconds:   state.Window.Seconds(),
				CurrentRequests: state.CurrentRequests,
				ResetAt:         state.ResetAt,
			}
		} else {
			st.Error = err.Error()
		}
		statuses = append(statuses, st)
	}
	return statuses
}

func (r *Registry) invalidateLocked(channelType domain.ChannelType) {
	prefix := channelType.String() + ":"
	for key := range r.instances {
		if strings.HasPrefix(key, prefix) {
			delete(r.instances, key)
		}
	}
}

// InstanceKey identifies a channel instance by type and configuration
// content. Map ordering does not affect the key.
func InstanceKey(channelType domain.ChannelType, settings Settings) string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(settings[k])
		_, _ = h.WriteString("\n")
	}
	return channelType.String() + ":" + strconv.FormatUint(h.Sum64(), 16)
}

func missingSettings(required []string, settings Settings) []string {
	var missing []string
	for _, key := range required {
		if strings.TrimSpace(settings[key]) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

func cloneSettings(settings Settings) Settings {
	out := make(Settings, len(settings))
	for k, v := range settings {
		out[k] = v
	}
	return out
}
