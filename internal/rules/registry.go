package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

// Options tune registry construction.
type Options struct {
	// Location aligns counting windows to local midnight.
	Location *time.Location
	// HighAmountLimit overrides the limit of every high amount rule when positive.
	HighAmountLimit int64
}

// Match pairs a rule with its evaluation result.
type Match struct {
	Rule      Rule
	Triggered Triggered
}

// Registry is the immutable code -> rule mapping built once at startup.
// It is safe for concurrent use.
type Registry struct {
	rules   map[string]Rule
	order   []string
	subsets map[string][]string
}

// NewRegistry builds every rule of the catalogue against the given source.
func NewRegistry(cat Catalogue, source Source, opts Options) (*Registry, error) {
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	reg := &Registry{
		rules:   make(map[string]Rule, len(cat.Rules)),
		order:   make([]string, 0, len(cat.Rules)),
		subsets: make(map[string][]string, len(cat.Subsets)+1),
	}
	for _, spec := range cat.Rules {
		rule, err := buildRule(spec, source, loc, opts)
		if err != nil {
			return nil, err
		}
		reg.rules[spec.Code] = rule
		reg.order = append(reg.order, spec.Code)
	}
	for name, codes := range cat.Subsets {
		reg.subsets[name] = append([]string(nil), codes...)
	}
	reg.subsets[SubsetAll] = append([]string(nil), reg.order...)
	return reg, nil
}

func buildRule(spec RuleSpec, source Source, loc *time.Location, opts Options) (Rule, error) {
	base := baseRule{
		code:        spec.Code,
		description: spec.Description,
		appliesTo:   make(map[domain.RecordKind]bool, len(spec.AppliesTo)),
	}
	for _, kind := range spec.AppliesTo {
		base.appliesTo[domain.RecordKind(kind)] = true
	}

	switch spec.Type {
	case TypeMonitored:
		return &MonitoredRule{
			baseRule: base,
			profile:  domain.ProfileKind(spec.Profile),
			group:    spec.Group,
			source:   source,
		}, nil
	case TypeCounting:
		return &CountingRule{
			baseRule: base,
			profile:  domain.ProfileKind(spec.Profile),
			distinct: domain.ProfileKind(spec.Distinct),
			limit:    spec.Limit,
			days:     spec.Days,
			location: loc,
			source:   source,
		}, nil
	case TypeNotWholeNumber:
		return &NotWholeNumberRule{baseRule: base}, nil
	case TypeHighAmount:
		limit := spec.Limit
		if opts.HighAmountLimit > 0 {
			limit = opts.HighAmountLimit
		}
		base.description = strings.ReplaceAll(base.description, "{display_limit}", domain.FormatAmount(limit))
		return &HighAmountRule{baseRule: base, limit: limit}, nil
	case TypeContainsSymbol:
		return &ContainsSymbolsRule{baseRule: base, attribute: spec.Attribute}, nil
	}
	return nil, fmt.Errorf("rule %s: unknown type %q", spec.Code, spec.Type)
}

// Get looks a rule up by code.
func (r *Registry) Get(code string) (Rule, bool) {
	rule, ok := r.rules[code]
	return rule, ok
}

// Codes lists every code in catalogue order.
func (r *Registry) Codes() []string {
	return append([]string(nil), r.order...)
}

// Subset returns the rules of a named subset in their configured order.
func (r *Registry) Subset(name string) ([]Rule, error) {
	codes, ok := r.subsets[name]
	if !ok {
		return nil, fmt.Errorf("unknown rule subset %q", name)
	}
	out := make([]Rule, 0, len(codes))
	for _, code := range codes {
		out = append(out, r.rules[code])
	}
	return out, nil
}

// Evaluate runs the applicable rules of a subset in order and returns those that matched.
func (r *Registry) Evaluate(ctx context.Context, subset string, rec domain.ScreenableRecord) ([]Match, error) {
	list, err := r.Subset(subset)
	if err != nil {
		return nil, err
	}
	var matched []Match
	for _, rule := range list {
		if !rule.AppliesTo(rec) {
			continue
		}
		t, err := rule.Triggered(ctx, rec)
		if err != nil {
			return nil, err
		}
		if t.Matched {
			matched = append(matched, Match{Rule: rule, Triggered: t})
		}
	}
	return matched, nil
}

// EvaluateAll runs every applicable rule concurrently and reports each result,
// matched or not, in catalogue order.
func (r *Registry) EvaluateAll(ctx context.Context, rec domain.ScreenableRecord) ([]Match, error) {
	applicable := make([]Rule, 0, len(r.order))
	for _, code := range r.order {
		if rule := r.rules[code]; rule.AppliesTo(rec) {
			applicable = append(applicable, rule)
		}
	}

	results := make([]Match, len(applicable))
	g, gctx := errgroup.WithContext(ctx)
	for i, rule := range applicable {
		i, rule := i, rule
		g.Go(func() error {
			t, err := rule.Triggered(gctx, rec)
			if err != nil {
				return err
			}
			results[i] = Match{Rule: rule, Triggered: t}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// MatchedRules converts matches into the form stored on a check.
func MatchedRules(matches []Match) []domain.MatchedRule {
	out := make([]domain.MatchedRule, 0, len(matches))
	for _, m := range matches {
		out = append(out, domain.MatchedRule{Code: m.Rule.Code(), Description: m.Rule.Description()})
	}
	return out
}
