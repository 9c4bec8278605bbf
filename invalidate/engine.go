package invalidate

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ripplesync/ripple/cache"
	"github.com/ripplesync/ripple/event"
	"github.com/ripplesync/ripple/telemetry"
)

// fullInvalidationKey is the coalescer key used for InvalidateAll requests
const fullInvalidationKey = "\x00full"

// Action is the invalidation outcome for one change event: either a full
// cache invalidation or a set of key patterns.
type Action struct {
	Full     bool
	Patterns []string
}

// Rule maps a change event to an invalidation action. The second return
// reports whether the rule handled the event; unhandled events fall
// through to the next rule and finally to the default targeted action.
type Rule func(ev event.ChangeEvent) (Action, bool)

// SessionInfo identifies the current session for escalation decisions
type SessionInfo struct {
	UserID         string
	IdentityTables []string
	IdentityFields []string
}

// Config configures the invalidation policy engine
type Config struct {
	Cache          cache.Invalidator
	Session        SessionInfo
	CoalesceWindow time.Duration
	Rules          []Rule // Evaluated in order, before the default rule
}

// Engine decides what to invalidate in the external cache for each change
// event and issues the calls. Escalates to full invalidation on identity or
// permission changes, since arbitrary cached views may depend on access
// control.
type Engine struct {
	cache     cache.Invalidator
	session   SessionInfo
	coalescer *Coalescer
	rules     []Rule
}

// NewEngine creates an invalidation policy engine
func NewEngine(config Config) (*Engine, error) {
	if config.Cache == nil {
		return nil, fmt.Errorf("cache invalidator is required")
	}

	return &Engine{
		cache:     config.Cache,
		session:   config.Session,
		coalescer: NewCoalescer(config.CoalesceWindow),
		rules:     config.Rules,
	}, nil
}

// Apply issues the invalidation actions for one change event.
// Cache failures are logged and never retried synchronously; the next
// event touching the same key re-attempts naturally.
func (e *Engine) Apply(ev event.ChangeEvent) {
	action := e.resolve(ev)

	if action.Full {
		e.invalidateAll(ev)
		return
	}

	for _, pattern := range action.Patterns {
		if !e.coalescer.Allow(pattern) {
			telemetry.InvalidationsCoalesced.Inc()
			continue
		}
		if err := e.cache.Invalidate(pattern); err != nil {
			telemetry.InvalidationsTotal.With("targeted", "failed").Inc()
			log.Warn().
				Err(err).
				Str("pattern", pattern).
				Msg("Cache invalidation failed, will self-heal on next event")
			continue
		}
		telemetry.InvalidationsTotal.With("targeted", "success").Inc()
	}
}

// resolve picks the action for an event: identity escalation first, then
// custom rules, then the default targeted action
func (e *Engine) resolve(ev event.ChangeEvent) Action {
	if e.isIdentityChange(ev) {
		telemetry.IdentityEscalationsTotal.Inc()
		return Action{Full: true}
	}

	for _, rule := range e.rules {
		if action, handled := rule(ev); handled {
			return action
		}
	}

	return DefaultAction(ev)
}

// DefaultAction targets the record's own key plus the entity's collection
// views
func DefaultAction(ev event.ChangeEvent) Action {
	return Action{
		Patterns: []string{
			ev.EntityType + ":" + ev.RecordID,
			ev.EntityType + ":list",
		},
	}
}

// invalidateAll performs the escalated full invalidation
func (e *Engine) invalidateAll(ev event.ChangeEvent) {
	if !e.coalescer.Allow(fullInvalidationKey) {
		telemetry.InvalidationsCoalesced.Inc()
		return
	}

	log.Info().
		Str("entity", ev.EntityType).
		Str("record", ev.RecordID).
		Msg("Identity change detected, invalidating entire cache")

	if err := e.cache.InvalidateAll(); err != nil {
		telemetry.InvalidationsTotal.With("full", "failed").Inc()
		log.Warn().Err(err).Msg("Full cache invalidation failed")
		return
	}
	telemetry.InvalidationsTotal.With("full", "success").Inc()
}

// isIdentityChange reports whether the event touches the session's
// identity or authorization data. A targeted invalidation is never
// sufficient for these: unrelated cached views may depend on access
// control. With no configured user ID, any identity-field change on an
// identity table escalates.
func (e *Engine) isIdentityChange(ev event.ChangeEvent) bool {
	if !contains(e.session.IdentityTables, ev.EntityType) {
		return false
	}
	if e.session.UserID != "" && ev.RecordID != e.session.UserID {
		return false
	}

	for _, field := range ev.ChangedFields() {
		if contains(e.session.IdentityFields, field) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
