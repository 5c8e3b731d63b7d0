package unify

import (
	"testing"

	"dpcl/internal/ast"
	"dpcl/internal/store"
)

func newStoreWithAtomics(names ...string) *store.Store {
	s := store.New(nil)
	for _, n := range names {
		s.AddAtomic(ast.ObjectID(n))
	}
	return s
}

func TestResolveLiteralAndName(t *testing.T) {
	s := newStoreWithAtomics("alice")
	env := ast.Environment{"who": {Object: "bob"}}

	if id, ok := Resolve(ast.Literal("dracula"), env, s); !ok || id != "dracula" {
		t.Errorf("Resolve(literal) = %v, %v", id, ok)
	}
	if id, ok := Resolve(ast.Name("who"), env, s); !ok || id != "bob" {
		t.Errorf("Resolve(bound name) = %v, %v", id, ok)
	}
	if id, ok := Resolve(ast.Name("alice"), env, s); !ok || id != "alice" {
		t.Errorf("Resolve(atomic name) = %v, %v", id, ok)
	}
	if _, ok := Resolve(ast.Name("nobody"), env, s); ok {
		t.Error("Resolve of an unbound, non-atomic name should fail")
	}
}

func TestResolveScopedMaterializes(t *testing.T) {
	s := newStoreWithAtomics("library")
	id, ok := Resolve(&ast.ObjectRef{Kind: ast.RefScoped, Scope: ast.Name("library"), Name: "desk"}, ast.Environment{}, s)
	if !ok {
		t.Fatal("Resolve(scoped) should succeed")
	}
	if !s.IsAtomic(id) {
		t.Error("a materialized scoped object should become atomic")
	}
}

func TestUnifyHolderMatchByIdentityOrDescriptor(t *testing.T) {
	s := newStoreWithAtomics("library", "alice", "bob")
	s.AssertHas("alice", "library") // alice holds "library" as a descriptor

	power := &ast.PowerFrame{
		Holder: ast.Name("library"),
		Action: &ast.Event{Kind: ast.EventAtomic, Tag: "#borrow"},
	}

	req := &ast.Event{Kind: ast.EventScoped, Agent: ast.Name("alice"), Action: &ast.Event{Kind: ast.EventAtomic, Tag: "#borrow"}}
	if _, ok := Unify(req, power, ast.Environment{}, s); !ok {
		t.Error("alice should match via has(alice, library)")
	}

	req2 := &ast.Event{Kind: ast.EventScoped, Agent: ast.Name("bob"), Action: &ast.Event{Kind: ast.EventAtomic, Tag: "#borrow"}}
	if _, ok := Unify(req2, power, ast.Environment{}, s); ok {
		t.Error("bob holds neither identity nor descriptor and should not match")
	}
}

func TestUnifyWildcardActionMatchesAnything(t *testing.T) {
	s := newStoreWithAtomics("library", "alice")
	power := &ast.PowerFrame{
		Holder: ast.Name(ast.Wildcard),
		Action: &ast.Event{Kind: ast.EventAtomic, Tag: ast.WildcardEvent},
	}
	req := &ast.Event{Kind: ast.EventScoped, Agent: ast.Name("alice"), Action: &ast.Event{Kind: ast.EventRefined, Tag: "#anything"}}
	env, ok := Unify(req, power, ast.Environment{}, s)
	if !ok {
		t.Fatal("a wildcard power should match any action")
	}
	if env[ast.KeywordHolder].Object != "alice" {
		t.Errorf("holder binding = %v, want alice", env[ast.KeywordHolder].Object)
	}
}

func TestMatchEventNeverWildcardMatchesOutsideUnify(t *testing.T) {
	s := newStoreWithAtomics("alice")
	pattern := &ast.Event{Kind: ast.EventAtomic, Tag: ast.WildcardEvent}
	actual := &ast.Event{Kind: ast.EventAtomic, Tag: "#borrow"}
	if _, ok := MatchEvent(pattern, actual, ast.Environment{}, s); ok {
		t.Error("MatchEvent must never special-case the event wildcard: only Unify's top-level call does")
	}
}

func TestMatchEventBindsFreeRefinementVariable(t *testing.T) {
	s := newStoreWithAtomics("bob")
	pattern := &ast.Event{Kind: ast.EventRefined, Tag: "#violated", Refinement: ast.Refinement{
		{Key: "holder", Value: ast.RefinementValue{Ref: ast.Name("who")}},
	}}
	actual := &ast.Event{Kind: ast.EventRefined, Tag: "#violated", Refinement: ast.Refinement{
		{Key: "holder", Value: ast.RefinementValue{Ref: ast.Literal("bob")}},
		{Key: "duty", Value: ast.RefinementValue{Ref: ast.Literal("frame#1")}},
	}}
	env, ok := MatchEvent(pattern, actual, ast.Environment{}, s)
	if !ok {
		t.Fatal("pattern refinement is a subset of actual's and should match")
	}
	if env["who"].Object != "bob" {
		t.Errorf("who = %v, want bob", env["who"].Object)
	}
}

func TestMatchEventRejectsMismatchedAtomicBoundToDifferentValue(t *testing.T) {
	s := newStoreWithAtomics("alice", "bob")
	pattern := &ast.Event{Kind: ast.EventScoped, Agent: ast.Name("alice"), Action: &ast.Event{Kind: ast.EventAtomic, Tag: "#x"}}
	actual := &ast.Event{Kind: ast.EventScoped, Agent: ast.Name("bob"), Action: &ast.Event{Kind: ast.EventAtomic, Tag: "#x"}}
	if _, ok := MatchEvent(pattern, actual, ast.Environment{}, s); ok {
		t.Error("a pattern naming a declared atomic must match only that atomic")
	}
}
