// Package resolve decides the outcome when causally incomparable events
// touch the same logical entity. Every event kind maps to exactly one
// resolution strategy in a data-driven policy table validated at startup:
// an unconfigured kind is a load-time error, because defaulting to
// last-write-wins silently is the classic data-loss bug in this domain.
package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fieldops/opslog/internal/event"
)

// Strategy names one conflict-resolution approach.
type Strategy string

// The supported strategies. Domain-specific policies are written
// "domain:<merge-name>" in configuration and carry the merge name in
// Policy.DomainMerge.
const (
	StrategyLWW    Strategy = "lww"
	StrategyFWW    Strategy = "fww"
	StrategyCRDT   Strategy = "crdt"
	StrategyDomain Strategy = "domain"
	StrategyManual Strategy = "manual"
)

// Policy is one kind's resolution configuration.
type Policy struct {
	Strategy    Strategy
	DomainMerge string // set only for StrategyDomain
}

// String renders the policy in its config-file form, the inverse of
// ParsePolicy.
func (p Policy) String() string {
	if p.Strategy == StrategyDomain {
		return string(StrategyDomain) + ":" + p.DomainMerge
	}

	return string(p.Strategy)
}

// ParsePolicy parses a config-file policy value ("lww", "fww", "crdt",
// "manual", or "domain:<name>").
func ParsePolicy(raw string) (Policy, error) {
	if name, ok := strings.CutPrefix(raw, "domain:"); ok {
		if name == "" {
			return Policy{}, fmt.Errorf("resolve: domain policy missing merge name")
		}

		return Policy{Strategy: StrategyDomain, DomainMerge: name}, nil
	}

	switch Strategy(raw) {
	case StrategyLWW, StrategyFWW, StrategyCRDT, StrategyManual:
		return Policy{Strategy: Strategy(raw)}, nil
	default:
		return Policy{}, fmt.Errorf("resolve: unknown strategy %q", raw)
	}
}

// Table maps every event kind to its policy. Build with NewTable, which
// enforces completeness.
type Table struct {
	policies map[event.Kind]Policy
}

// NewTable validates and freezes a policy table. Every kind in the closed
// enumeration must be covered, every covered kind must be known, CRDT kinds
// must have a registered combinator, and domain kinds a registered merge
// function.
func NewTable(policies map[event.Kind]Policy) (*Table, error) {
	var missing []string

	for _, kind := range event.Kinds() {
		if _, ok := policies[kind]; !ok {
			missing = append(missing, string(kind))
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("resolve: no policy configured for kinds: %s", strings.Join(missing, ", "))
	}

	for kind, policy := range policies {
		if !event.KnownKind(kind) {
			return nil, fmt.Errorf("resolve: policy configured for unknown kind %q", kind)
		}

		switch policy.Strategy {
		case StrategyCRDT:
			if _, ok := combinators[kind]; !ok {
				return nil, fmt.Errorf("resolve: kind %s has CRDT policy but no registered combinator", kind)
			}
		case StrategyDomain:
			if _, ok := domainMerges[policy.DomainMerge]; !ok {
				return nil, fmt.Errorf("resolve: kind %s names unregistered domain merge %q", kind, policy.DomainMerge)
			}
		case StrategyLWW, StrategyFWW, StrategyManual:
		default:
			return nil, fmt.Errorf("resolve: kind %s has unknown strategy %q", kind, policy.Strategy)
		}
	}

	frozen := make(map[event.Kind]Policy, len(policies))
	for k, v := range policies {
		frozen[k] = v
	}

	return &Table{policies: frozen}, nil
}

// Lookup returns the policy for a kind. The second return is false for a
// kind outside the table; callers must fail fast on it, never substitute a
// default strategy.
func (t *Table) Lookup(kind event.Kind) (Policy, bool) {
	p, ok := t.policies[kind]
	return p, ok
}

// DefaultPolicies returns the shipped kind-to-policy mapping, used when no
// config file overrides it. The choices mirror the domain semantics:
// creations are first-write-wins, attribute edits last-write-wins, additive
// aggregates commutative, assignments domain-merged, plan publications a
// human decision.
func DefaultPolicies() map[event.Kind]Policy {
	return map[event.Kind]Policy{
		event.KindOperationCreated:     {Strategy: StrategyFWW},
		event.KindFacilityCreated:      {Strategy: StrategyFWW},
		event.KindFacilityUpdated:      {Strategy: StrategyLWW},
		event.KindFacilityClosed:       {Strategy: StrategyLWW},
		event.KindFacilityTagAdded:     {Strategy: StrategyCRDT},
		event.KindRosterContactAdded:   {Strategy: StrategyLWW},
		event.KindRosterContactUpdated: {Strategy: StrategyLWW},
		event.KindRosterContactRemoved: {Strategy: StrategyLWW},
		event.KindPositionAssigned:     {Strategy: StrategyDomain, DomainMerge: MergeSingleAssignment},
		event.KindPositionUnassigned:   {Strategy: StrategyLWW},
		event.KindMetricIncremented:    {Strategy: StrategyCRDT},
		event.KindIAPPublished:         {Strategy: StrategyManual},
		event.KindConflictResolved:     {Strategy: StrategyFWW},
	}
}
