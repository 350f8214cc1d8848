// Package merge produces merged record content for detected conflicts.
package merge

import (
	"fmt"

	"github.com/learnsync/learnsync/internal/rules"
	"github.com/learnsync/learnsync/internal/sync/conflict"
	"github.com/learnsync/learnsync/internal/types"
)

// Result is the outcome of a merge.
type Result struct {
	Content  types.Fields
	Strategy types.Strategy
}

// Engine merges conflicting contents. It holds no state; the output depends
// only on its inputs.
type Engine struct{}

// NewEngine creates a merge engine.
func NewEngine() *Engine {
	return &Engine{}
}

// SelectStrategy picks the strategy used when none is requested: union if
// a set field conflicts, custom if a conflicting field has a rule, semantic
// for high or critical conflicts, field-level otherwise.
func SelectStrategy(c *types.DataConflict, r rules.Rules) types.Strategy {
	for _, f := range c.Fields {
		if r.Union(f) {
			return types.StrategyUnionMerge
		}
	}
	for _, f := range c.Fields {
		if _, ok := r.FieldRule(f); ok {
			return types.StrategyCustomMerge
		}
	}
	if c.Severity == types.SeverityHigh || c.Severity == types.SeverityCritical {
		return types.StrategySemanticMerge
	}
	return types.StrategyFieldLevel
}

// Merge resolves the conflict c between server and client content. An empty
// strategy selects one with SelectStrategy. StrategyManual always fails
// with types.ErrConflict.
func (e *Engine) Merge(c *types.DataConflict, server, client types.Fields, strategy types.Strategy) (Result, error) {
	if c == nil {
		return Result{}, fmt.Errorf("conflict is required")
	}
	r := rules.For(c.DataType)
	if strategy == types.StrategyAuto {
		strategy = SelectStrategy(c, r)
	}

	m := &merger{
		rules:       r,
		server:      server,
		client:      client,
		clientNewer: c.ClientVersion.Timestamp.After(c.ServerVersion.Timestamp),
		merged:      server.Clone(),
	}
	if m.merged == nil {
		m.merged = types.Fields{}
	}
	m.mergeVolatile()

	fields := conflict.DiffFields(r, server, client)

	switch strategy {
	case types.StrategyManual:
		return Result{}, fmt.Errorf("conflict %s on %s requires manual resolution: %w", c.ID, c.RecordID, types.ErrConflict)

	case types.StrategyClientWins:
		for _, f := range fields {
			m.take(f, m.client)
		}

	case types.StrategyServerWins:
		for _, f := range fields {
			m.take(f, m.server)
		}

	case types.StrategyLastWriterWins:
		for _, f := range fields {
			m.take(f, m.newer())
		}

	case types.StrategyFieldLevel:
		for _, f := range fields {
			m.fieldLevel(f)
		}

	case types.StrategyUnionMerge, types.StrategyCustomMerge, types.StrategySemanticMerge:
		var semantic map[string]any
		if strategy == types.StrategySemanticMerge ||
			c.Severity == types.SeverityHigh || c.Severity == types.SeverityCritical {
			semantic = semanticValues(c.DataType, server, client)
		}
		for _, f := range fields {
			switch {
			case r.Union(f) && m.union(f):
			case m.custom(f):
			case m.semantic(f, semantic):
			default:
				m.fieldLevel(f)
			}
		}

	default:
		return Result{}, fmt.Errorf("unknown merge strategy %q", strategy)
	}

	return Result{Content: m.merged, Strategy: strategy}, nil
}

type merger struct {
	rules       rules.Rules
	server      types.Fields
	client      types.Fields
	clientNewer bool
	merged      types.Fields
}

func (m *merger) newer() types.Fields {
	if m.clientNewer {
		return m.client
	}
	return m.server
}

// take copies field f from src, deleting it when src lacks it.
func (m *merger) take(f string, src types.Fields) {
	v, ok := src[f]
	if !ok {
		delete(m.merged, f)
		return
	}
	m.merged[f] = types.Fields{f: v}.Clone()[f]
}

// mergeVolatile settles ignored fields (newer side) and auto-merge fields
// (combined), which never take part in conflict detection.
func (m *merger) mergeVolatile() {
	for _, f := range unionKeys(m.server, m.client) {
		switch {
		case m.rules.Ignored(f):
			if _, ok := m.newer()[f]; ok {
				m.take(f, m.newer())
			}
		case m.rules.AutoMerged(f):
			m.combine(f)
		}
	}
}

func (m *merger) combine(f string) {
	sv, sok := m.server[f]
	cv, cok := m.client[f]
	switch {
	case !sok:
		m.take(f, m.client)
		return
	case !cok:
		return
	}
	if v, ok := pickNumber(sv, cv, true); ok {
		m.merged[f] = v
		return
	}
	if v, ok := unionLists(sv, cv); ok {
		m.merged[f] = v
		return
	}
	m.take(f, m.newer())
}

func (m *merger) fieldLevel(f string) {
	switch {
	case m.rules.ClientFirst(f):
		m.take(f, m.client)
	case m.rules.ServerFirst(f):
		m.take(f, m.server)
	default:
		m.take(f, m.newer())
	}
}

func (m *merger) union(f string) bool {
	sv, sok := m.server[f]
	cv, cok := m.client[f]
	switch {
	case !sok && !cok:
		return false
	case !sok:
		sv = []any{}
	case !cok:
		cv = []any{}
	}
	v, ok := unionLists(sv, cv)
	if !ok {
		return false
	}
	m.merged[f] = v
	return true
}

func (m *merger) custom(f string) bool {
	rule, ok := m.rules.FieldRule(f)
	if !ok {
		return false
	}
	sv, sok := m.server[f]
	cv, cok := m.client[f]

	switch rule {
	case rules.RuleClientWins:
		m.take(f, m.client)
		return true
	case rules.RuleServerWins:
		m.take(f, m.server)
		return true
	}

	// max, min and concat keep whichever side is present.
	if !sok || !cok {
		if sok {
			m.take(f, m.server)
		} else {
			m.take(f, m.client)
		}
		return true
	}

	switch rule {
	case rules.RuleMax, rules.RuleMin:
		v, ok := pickNumber(sv, cv, rule == rules.RuleMax)
		if ok {
			m.merged[f] = v
		}
		return ok
	case rules.RuleConcat:
		v, ok := concat(sv, cv)
		if ok {
			m.merged[f] = v
		}
		return ok
	}
	return false
}

func (m *merger) semantic(f string, values map[string]any) bool {
	v, ok := values[f]
	if !ok {
		return false
	}
	if _, present := m.server[f]; !present {
		if _, present := m.client[f]; !present {
			return false
		}
	}
	m.merged[f] = v
	return true
}
