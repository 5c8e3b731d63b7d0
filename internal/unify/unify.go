// Package unify implements DPCL's single unification algorithm (C4 in
// spec.md §4.4): matching an observed event against a power frame's action
// pattern, and (reused by the evaluator) matching an observed event against
// a reactive rule's event pattern. Both reduce to the same MatchEvent walk.
package unify

import (
	"dpcl/internal/ast"
	"dpcl/internal/store"
)

// Unify attempts to fire a power frame against an observed scoped action
// request (spec.md §4.4): the request's agent must equal the frame's holder
// OR have the holder as a descriptor (the disjunctive test resolving the
// spec's two holder-matching cases into one); a "*" holder accepts any
// agent. The request's action must match the frame's action pattern. On
// success it returns the environment the frame's Consequence should be
// instantiated against, with "holder" bound to the matched agent.
func Unify(request *ast.Event, power *ast.PowerFrame, env ast.Environment, s *store.Store) (ast.Environment, bool) {
	if request == nil || request.Kind != ast.EventScoped || power == nil {
		return env, false
	}

	agentID, ok := Resolve(request.Agent, env, s)
	if !ok {
		return env, false
	}
	wildcardHolder := power.Holder != nil && power.Holder.Kind == ast.RefName && power.Holder.Name == ast.Wildcard
	if !wildcardHolder {
		holderID, ok := Resolve(power.Holder, env, s)
		if !ok {
			return env, false
		}
		if agentID != holderID && !s.HasRelation(agentID, holderID) {
			return env, false
		}
	}

	holderEnv := env.WithObject(ast.KeywordHolder, agentID)
	if power.Action != nil && power.Action.Kind == ast.EventAtomic && power.Action.Tag == ast.WildcardEvent {
		return holderEnv, true
	}
	next, ok := MatchEvent(power.Action, request.Action, holderEnv, s)
	if !ok {
		return env, false
	}
	return next, true
}

// MatchEvent attempts to match pattern (drawn from a frame body, so it may
// contain unbound RefName leaves standing for parameters) against actual
// (always ground: either a literal action request from the caller, or an
// already-instantiated event produced by a prior cascade step). On success
// it returns the extended environment; ok is false on any structural or
// binding mismatch, which is a silent no-op per spec.md §9, never an error.
//
// The "#*" wildcard is honored only by Unify's top-level action match
// (spec.md §9 defaults it to power-actions-only); MatchEvent itself never
// special-cases it, so reactive-rule event patterns never wildcard-match.
func MatchEvent(pattern, actual *ast.Event, env ast.Environment, s *store.Store) (ast.Environment, bool) {
	if pattern == nil || actual == nil {
		return env, false
	}
	if pattern.Kind != actual.Kind {
		return env, false
	}

	switch pattern.Kind {
	case ast.EventAtomic:
		if pattern.Tag != actual.Tag {
			return env, false
		}
		return env, true

	case ast.EventRefined:
		if pattern.Tag != actual.Tag {
			return env, false
		}
		return matchRefinement(pattern.Refinement, actual.Refinement, env, s)

	case ast.EventScoped:
		next, ok := matchRef(pattern.Agent, actual.Agent, env, s)
		if !ok {
			return env, false
		}
		return MatchEvent(pattern.Action, actual.Action, next, s)

	case ast.EventProduction:
		if pattern.Plus != actual.Plus {
			return env, false
		}
		if pattern.FrameLiteral != nil || actual.FrameLiteral != nil {
			// Inline frame literals are matched by identity only: a
			// pattern can't usefully describe an anonymous frame shape.
			return env, pattern.FrameLiteral == actual.FrameLiteral
		}
		return matchRef(pattern.Object, actual.Object, env, s)

	case ast.EventNaming:
		if pattern.Gains != actual.Gains {
			return env, false
		}
		next, ok := matchRef(pattern.Entity, actual.Entity, env, s)
		if !ok {
			return env, false
		}
		return matchRef(pattern.Descriptor, actual.Descriptor, next, s)
	}
	return env, false
}

// matchRefinement matches every key the pattern names against the actual
// refinement; actual may carry additional keys the pattern doesn't
// mention (spec.md §3's refinement matching is subset, not equality).
func matchRefinement(pattern, actual ast.Refinement, env ast.Environment, s *store.Store) (ast.Environment, bool) {
	cur := env
	for _, kv := range pattern {
		av, ok := actual.Get(kv.Key)
		if !ok {
			return env, false
		}
		next, ok := matchRefinementValue(kv.Value, av, cur, s)
		if !ok {
			return env, false
		}
		cur = next
	}
	return cur, true
}

func matchRefinementValue(pattern, actual ast.RefinementValue, env ast.Environment, s *store.Store) (ast.Environment, bool) {
	if pattern.IsEvent() || actual.IsEvent() {
		if !pattern.IsEvent() || !actual.IsEvent() {
			return env, false
		}
		return MatchEvent(pattern.Event, actual.Event, env, s)
	}
	return matchRef(pattern.Ref, actual.Ref, env, s)
}

// matchRef resolves a pattern object-ref against an actual, ground object
// reference, extending env when the pattern leaf is an unbound name.
//
// actual is always resolved to a concrete ObjectID first (via Resolve
// against env) because the caller side of a match is never itself a
// variable.
func matchRef(pattern, actual *ast.ObjectRef, env ast.Environment, s *store.Store) (ast.Environment, bool) {
	if pattern == nil || actual == nil {
		return env, pattern == actual
	}

	actualID, ok := Resolve(actual, env, s)
	if !ok {
		return env, false
	}

	switch pattern.Kind {
	case ast.RefLiteral:
		return env, pattern.Literal == actualID

	case ast.RefName:
		if pattern.Name == ast.Wildcard {
			return env, true
		}
		if b, bound := env[pattern.Name]; bound {
			return env, b.Object == actualID
		}
		if ast.IsReserved(pattern.Name) {
			// self/super/holder must already be bound by the time a
			// frame body is matched; an unbound reserved name is a
			// loader defect, not a match to attempt.
			return env, false
		}
		if s.IsAtomic(ast.ObjectID(pattern.Name)) && ast.ObjectID(pattern.Name) != actualID {
			return env, false
		}
		return env.WithObject(pattern.Name, actualID), true

	case ast.RefRefined:
		patID, ok := Resolve(pattern, env, s)
		if !ok {
			return env, false
		}
		return env, patID == actualID

	case ast.RefScoped:
		patID, ok := Resolve(pattern, env, s)
		if !ok {
			return env, false
		}
		return env, patID == actualID
	}
	return env, false
}

// Resolve reduces a (possibly pattern-bearing) object reference to a
// concrete id given env, WITHOUT creating instances: a bare unbound name
// resolves only if it names a declared atomic; a {object,refinement} ref
// resolves only to an already-live instance. Callers that need
// create-on-plus semantics use store.CreateInstance directly, never
// Resolve. A {scope, name} ref is the one case that writes to the store:
// it materializes its synthetic child entity (registered as an atomic) the
// first time it is resolved.
func Resolve(ref *ast.ObjectRef, env ast.Environment, s *store.Store) (ast.ObjectID, bool) {
	if ref == nil {
		return "", false
	}
	switch ref.Kind {
	case ast.RefLiteral:
		return ref.Literal, true

	case ast.RefName:
		if b, ok := env[ref.Name]; ok {
			return b.Object, true
		}
		if s.IsAtomic(ast.ObjectID(ref.Name)) {
			return ast.ObjectID(ref.Name), true
		}
		return "", false

	case ast.RefScoped:
		scopeID, ok := Resolve(ref.Scope, env, s)
		if !ok {
			return "", false
		}
		return s.MaterializeScoped(scopeID, ref.Name), true

	case ast.RefRefined:
		bindings := make(map[string]ast.ObjectID, len(ref.Refinement))
		for _, kv := range ref.Refinement {
			if kv.Value.IsEvent() {
				continue
			}
			id, ok := Resolve(kv.Value.Ref, env, s)
			if !ok {
				return "", false
			}
			bindings[kv.Key] = id
		}
		template := ""
		if ref.Object != nil {
			template = ref.Object.String()
		}
		return s.FindInstance(template, bindings)
	}
	return "", false
}
