package eval

import (
	"os"
	"testing"

	"dpcl/internal/ast"
	"dpcl/internal/loader"
	"dpcl/internal/store"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func decodeEvent(t *testing.T, line string) *ast.Event {
	t.Helper()
	dirs, err := ast.DecodeProgram([]byte("[" + line + "]"))
	if err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if dirs[0].Kind != ast.DirectiveEvent {
		t.Fatalf("%q did not decode to an event directive", line)
	}
	return dirs[0].Event
}

func loadLibrary(t *testing.T) (*store.Store, *Evaluator) {
	t.Helper()
	data, err := os.ReadFile("../../testdata/library.json")
	if err != nil {
		t.Fatalf("read testdata: %v", err)
	}
	dirs, err := ast.DecodeProgram(data)
	if err != nil {
		t.Fatalf("decode testdata: %v", err)
	}

	s := store.New(nil)
	l := loader.New(s, nil)
	result, err := l.Load(dirs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ev := New(s, 1000, 200, nil)
	for _, e := range result.Events {
		if err := ev.Dispatch(e); err != nil {
			t.Fatalf("dispatch load-time event %v: %v", e, err)
		}
	}
	return s, ev
}

func TestLibraryRegisterGrantsMembership(t *testing.T) {
	s, ev := loadLibrary(t)
	if err := ev.Dispatch(decodeEvent(t, `{"agent":"alice","action":{"event":"#register"}}`)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !s.HasRelation("alice", "member") {
		t.Error("registering should grant the member descriptor")
	}
}

func TestLibraryBorrowCreatesInstanceWithDuty(t *testing.T) {
	s, ev := loadLibrary(t)
	if err := ev.Dispatch(decodeEvent(t, `{"agent":"bob","action":{"event":"#borrow"}}`)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	id, ok := s.FindInstance("borrowing", map[string]ast.ObjectID{"who": "bob"})
	if !ok {
		t.Fatal("borrowing instance for bob should have been created")
	}
	inst, _ := s.Instance(id)
	if len(inst.Frames) != 2 {
		t.Fatalf("instance frames = %v, want a return power and a d1 duty", inst.Frames)
	}
	if _, ok := s.LookupAlias(id, "d1"); !ok {
		t.Error("d1 duty should be aliased on the new instance")
	}
}

func TestLibraryReturnFulfillsDutyAndDestroysInstance(t *testing.T) {
	s, ev := loadLibrary(t)
	if err := ev.Dispatch(decodeEvent(t, `{"agent":"dracula","action":{"event":"#borrow"}}`)); err != nil {
		t.Fatalf("Dispatch borrow: %v", err)
	}
	id, ok := s.FindInstance("borrowing", map[string]ast.ObjectID{"who": "dracula"})
	if !ok {
		t.Fatal("borrowing instance for dracula should exist")
	}

	if err := ev.Dispatch(decodeEvent(t, `{"agent":"dracula","action":{"event":"#return"}}`)); err != nil {
		t.Fatalf("Dispatch return: %v", err)
	}

	if _, ok := s.Instance(id); ok {
		t.Error("returning the book should destroy the borrowing instance")
	}
}

func TestLibraryTimeoutCascadesToFine(t *testing.T) {
	s, ev := loadLibrary(t)
	if err := ev.Dispatch(decodeEvent(t, `{"agent":"bob","action":{"event":"#borrow"}}`)); err != nil {
		t.Fatalf("Dispatch borrow: %v", err)
	}
	id, ok := s.FindInstance("borrowing", map[string]ast.ObjectID{"who": "bob"})
	if !ok {
		t.Fatal("borrowing instance for bob should exist")
	}

	if err := ev.Dispatch(decodeEvent(t, `"#timeout"`)); err != nil {
		t.Fatalf("Dispatch timeout: %v", err)
	}

	if _, ok := s.LookupAlias(id, "d1"); !ok {
		t.Error("a violation must not retire the duty (spec §8 invariant 7): only fulfillment, termination, or an explicit minus does")
	}

	found := false
	for _, f := range s.LiveFrames() {
		if f.Kind != store.FramePower || f.Power.Action == nil || f.Power.Action.Tag != "#fine" {
			continue
		}
		target, ok := f.Power.Action.Refinement.Get("target")
		if ok && target.Ref.Kind == ast.RefLiteral && target.Ref.Literal == "bob" {
			found = true
		}
	}
	if !found {
		t.Fatal("the reactive rule should have eagerly grounded a #fine power frame naming bob as target")
	}

	if err := ev.Dispatch(decodeEvent(t, `{"agent":"library","action":{"event":"#fine","refinement":{"target":"bob"}}}`)); err != nil {
		t.Fatalf("Dispatch fine: %v", err)
	}
	if !s.HasRelation("bob", "fined") {
		t.Error("firing the grounded fine power should assert has(bob, fined)")
	}
}

func TestTransformationalFixpointChainsAcrossRounds(t *testing.T) {
	s := store.New(nil)
	s.AddAtomic("alice")
	s.AddAtomic("student")
	s.AddAtomic("enrolled")
	s.AddAtomic("has_library_access")
	s.AssertHas("alice", "student")

	// enrolled follows from student; library access follows from enrolled.
	// The access rule is added first, so it cannot fire until the round
	// after the enrolled rule does: a single external event must chain two
	// rounds to reach fixpoint.
	s.AddFrame(store.FrameTransformational, store.RootOwner, "", nil, nil, nil, &ast.TransformationalRule{
		Condition:  &ast.BoolExpr{Kind: ast.BoolHas, Entity: ast.Name("alice"), Descriptor: ast.Name("enrolled"), HasFlag: true},
		Conclusion: &ast.Event{Kind: ast.EventNaming, Entity: ast.Name("alice"), Descriptor: ast.Name("has_library_access"), Gains: true},
	})
	s.AddFrame(store.FrameTransformational, store.RootOwner, "", nil, nil, nil, &ast.TransformationalRule{
		Condition:  &ast.BoolExpr{Kind: ast.BoolHas, Entity: ast.Name("alice"), Descriptor: ast.Name("student"), HasFlag: true},
		Conclusion: &ast.Event{Kind: ast.EventNaming, Entity: ast.Name("alice"), Descriptor: ast.Name("enrolled"), Gains: true},
	})

	ev := New(s, 100, 100, nil)
	if err := ev.Dispatch(&ast.Event{Kind: ast.EventAtomic, Tag: "#noop"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !s.HasRelation("alice", "enrolled") || !s.HasRelation("alice", "has_library_access") {
		t.Error("the fixpoint should have chained both transformational rules to completion")
	}
}

func TestDispatchOverflowsOnRunawayCascade(t *testing.T) {
	s := store.New(nil)
	s.AddAtomic("alice")
	// A reactive rule that reacts to its own reaction's shape forever.
	s.AddFrame(store.FrameReactive, store.RootOwner, "", nil, nil, &ast.ReactiveRule{
		Event:    &ast.Event{Kind: ast.EventAtomic, Tag: "#loop"},
		Reaction: &ast.Event{Kind: ast.EventAtomic, Tag: "#loop"},
	}, nil)

	ev := New(s, 5, 10, nil)
	err := ev.Dispatch(&ast.Event{Kind: ast.EventAtomic, Tag: "#loop"})
	if err == nil {
		t.Fatal("expected a cascade_overflow error")
	}
	dErr, ok := err.(*ast.Error)
	if !ok || dErr.Kind() != ast.CascadeOverflow {
		t.Errorf("err = %v, want CascadeOverflow", err)
	}
}

func TestInstantiatePowerGroundsHolderActionAndConsequence(t *testing.T) {
	s := store.New(nil)
	env := ast.Environment{"who": {Object: "bob"}}
	p := &ast.PowerFrame{
		Holder:      ast.Name("who"),
		Action:      &ast.Event{Kind: ast.EventRefined, Tag: "#x", Refinement: ast.Refinement{{Key: "target", Value: ast.RefinementValue{Ref: ast.Name("who")}}}},
		Consequence: &ast.Event{Kind: ast.EventNaming, Entity: ast.Name("who"), Descriptor: ast.Name("fined"), Gains: true},
	}
	out := InstantiatePower(p, env, s)
	if out.Holder.Kind != ast.RefLiteral || out.Holder.Literal != "bob" {
		t.Errorf("Holder = %+v", out.Holder)
	}
	target, _ := out.Action.Refinement.Get("target")
	if target.Ref.Kind != ast.RefLiteral || target.Ref.Literal != "bob" {
		t.Errorf("Action refinement target = %+v", target.Ref)
	}
	if out.Consequence.Entity.Kind != ast.RefLiteral || out.Consequence.Entity.Literal != "bob" {
		t.Errorf("Consequence.Entity = %+v", out.Consequence.Entity)
	}
}

func TestInstantiateDeonticGroundsTriggers(t *testing.T) {
	s := store.New(nil)
	env := ast.Environment{"who": {Object: "bob"}}
	d := &ast.DeonticFrame{
		Holder:      ast.Name("who"),
		Violation:   &ast.Trigger{Bool: &ast.BoolExpr{Kind: ast.BoolRef, Ref: ast.Name("who")}},
		Fulfillment: &ast.Trigger{Event: &ast.Event{Kind: ast.EventScoped, Agent: ast.Name("who"), Action: &ast.Event{Kind: ast.EventAtomic, Tag: "#return"}}},
	}
	out := InstantiateDeontic(d, env, s)
	if out.Holder.Literal != "bob" {
		t.Errorf("Holder = %+v", out.Holder)
	}
	if out.Violation.Bool.Ref.Literal != "bob" {
		t.Errorf("Violation.Bool.Ref = %+v", out.Violation.Bool.Ref)
	}
	if out.Fulfillment.Event.Agent.Literal != "bob" {
		t.Errorf("Fulfillment.Event.Agent = %+v", out.Fulfillment.Event.Agent)
	}
}

func TestInstantiateReactiveGroundsPatternAndReaction(t *testing.T) {
	s := store.New(nil)
	env := ast.Environment{"who": {Object: "bob"}}
	r := &ast.ReactiveRule{
		Event:    &ast.Event{Kind: ast.EventRefined, Tag: "#x", Refinement: ast.Refinement{{Key: "holder", Value: ast.RefinementValue{Ref: ast.Name("who")}}}},
		Reaction: &ast.Event{Kind: ast.EventNaming, Entity: ast.Name("who"), Descriptor: ast.Name("flag"), Gains: true},
	}
	out := InstantiateReactive(r, env, s)
	holder, _ := out.Event.Refinement.Get("holder")
	if holder.Ref.Literal != "bob" {
		t.Errorf("Event refinement holder = %+v", holder.Ref)
	}
	if out.Reaction.Entity.Literal != "bob" {
		t.Errorf("Reaction.Entity = %+v", out.Reaction.Entity)
	}
}
