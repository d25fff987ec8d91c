package reasoning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const defaultCooldown = 60 * time.Second

// Config configures a Failover engine
type Config struct {
	Profiles    []Profile
	Model       string // used when a profile names no model
	System      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration // per call, 0 means none
	Cooldown    time.Duration // base cooldown, multiplied by the failure count
	Factory     ProviderFactory
	Logger      *zerolog.Logger
}

type profileState struct {
	Profile
	failureCount  int
	cooldownUntil time.Time
	provider      Provider
}

// Failover is an Engine that tries provider profiles in priority order and
// puts failing profiles into a growing cooldown
type Failover struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	profiles []*profileState
}

// NewFailover creates the engine. An empty profile list is allowed; Infer
// then returns ErrNoProfiles.
func NewFailover(cfg Config) *Failover {
	observability.EnsureRegistered()

	if cfg.Factory == nil {
		cfg.Factory = NewProvider
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	profiles := make([]*profileState, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		profiles = append(profiles, &profileState{Profile: p})
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	return &Failover{
		cfg:      cfg,
		logger:   logger.With().Str("component", "reasoning").Logger(),
		now:      time.Now,
		profiles: profiles,
	}
}

// Infer calls the first available profile and fails over on retryable errors
func (f *Failover) Infer(ctx context.Context, prompt string) (string, error) {
	if len(f.profiles) == 0 {
		return "", ErrNoProfiles
	}

	ctx, span := tracing.StartSpan(ctx, "devrel.reasoning", "reasoning.infer")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, f.logger)

	var lastErr error
	for _, ps := range f.profiles {
		provider, model, ok := f.acquire(ps)
		if !ok {
			observability.SetProviderCooldown(ps.Provider, true)
			logger.Debug().Str("profile_id", ps.ID).Msg("Skipping profile in cooldown")
			continue
		}
		observability.SetProviderCooldown(ps.Provider, false)

		if provider == nil {
			p, err := f.cfg.Factory(ps.Profile)
			if err != nil {
				lastErr = err
				logger.Warn().Str("profile_id", ps.ID).Err(err).Msg("Failed to create provider")
				continue
			}
			provider = f.cache(ps, p)
		}

		start := time.Now()
		out, err := f.call(ctx, provider, model, prompt)
		observability.RecordReasoningCall(provider.Name(), time.Since(start), err == nil)
		if err == nil {
			f.markSuccess(ps)
			return out, nil
		}

		lastErr = err
		until := f.markFailure(ps)
		observability.SetProviderCooldown(ps.Provider, true)
		logger.Warn().
			Str("profile_id", ps.ID).
			Time("cooldown_until", until).
			Err(err).
			Msg("Reasoning profile failed")

		if !IsRetryableError(err) {
			tracing.RecordError(span, err)
			return "", err
		}
	}

	if lastErr == nil {
		lastErr = errors.New("all profiles in cooldown")
	}
	tracing.RecordError(span, lastErr)
	return "", fmt.Errorf("all reasoning profiles failed: %w", lastErr)
}

func (f *Failover) call(ctx context.Context, provider Provider, model, prompt string) (string, error) {
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}
	attrs := []attribute.KeyValue{attribute.String("provider", provider.Name()), attribute.String("model", model)}
	ctx, span := tracing.StartSpan(ctx, "devrel.reasoning", "reasoning.complete", attrs...)
	defer span.End()

	out, err := provider.Complete(ctx, Request{
		Model:       model,
		System:      f.cfg.System,
		Prompt:      prompt,
		Temperature: f.cfg.Temperature,
		MaxTokens:   f.cfg.MaxTokens,
	})
	if err != nil {
		tracing.RecordError(span, err)
	}
	return out, err
}

// acquire reports whether the profile is usable now and returns its cached
// provider, if any
func (f *Failover) acquire(ps *profileState) (Provider, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !ps.cooldownUntil.IsZero() && f.now().Before(ps.cooldownUntil) {
		return nil, "", false
	}
	model := ps.Model
	if model == "" {
		model = f.cfg.Model
	}
	return ps.provider, model, true
}

func (f *Failover) cache(ps *profileState, p Provider) Provider {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ps.provider == nil {
		ps.provider = p
	}
	return ps.provider
}

func (f *Failover) markSuccess(ps *profileState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps.failureCount = 0
	ps.cooldownUntil = time.Time{}
}

func (f *Failover) markFailure(ps *profileState) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps.failureCount++
	ps.cooldownUntil = f.now().Add(f.cfg.Cooldown * time.Duration(ps.failureCount))
	return ps.cooldownUntil
}

// ProfileStatus is a point-in-time view of one profile
type ProfileStatus struct {
	ID            string
	Provider      string
	FailureCount  int
	CooldownUntil time.Time
}

// Status returns the profiles in priority order
func (f *Failover) Status() []ProfileStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]ProfileStatus, 0, len(f.profiles))
	for _, ps := range f.profiles {
		out = append(out, ProfileStatus{
			ID:            ps.ID,
			Provider:      ps.Provider,
			FailureCount:  ps.failureCount,
			CooldownUntil: ps.cooldownUntil,
		})
	}
	return out
}
