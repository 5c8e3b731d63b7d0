// Package cond implements DPCL's boolean condition engine (C6 in
// spec.md §4.6): evaluation of has-relations, negation, literals, and
// truthy object-reference existence checks, over the dynamic world.
// Evaluating a condition never changes env, has-relations, instances, or
// frames; a {scope, name} reference in a condition is resolved through
// unify.Resolve, which registers that scoped child as an atomic the first
// time it is seen.
package cond

import (
	"dpcl/internal/ast"
	"dpcl/internal/store"
	"dpcl/internal/unify"
)

// Eval evaluates expr against the world, given the bindings already in
// scope (self, holder, compound parameters). It never returns an error: an
// expression whose references don't resolve is simply false, per spec.md
// §9 (conditions are total functions over the world).
func Eval(expr *ast.BoolExpr, env ast.Environment, s *store.Store) bool {
	if expr == nil {
		return false
	}
	switch expr.Kind {
	case ast.BoolLiteral:
		return expr.Literal

	case ast.BoolNegate:
		return !Eval(expr.Negate, env, s)

	case ast.BoolHas:
		entity, ok := unify.Resolve(expr.Entity, env, s)
		if !ok {
			return false
		}
		descriptor, ok := unify.Resolve(expr.Descriptor, env, s)
		if !ok {
			return false
		}
		got := s.HasRelation(entity, descriptor)
		if !expr.HasFlag {
			got = !got
		}
		return got

	case ast.BoolRef:
		_, ok := unify.Resolve(expr.Ref, env, s)
		return ok
	}
	return false
}
