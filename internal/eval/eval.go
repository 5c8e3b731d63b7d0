// Package eval drives DPCL's cascade (C5 in spec.md §4.5): a single
// cooperative work queue of pending events, popped one at a time through
// power matching, reactive matching, application, transformational
// fixpoint, and deontic trigger checks, until the queue is empty.
package eval

import (
	"dpcl/internal/ast"
	"dpcl/internal/cond"
	"dpcl/internal/store"
	"dpcl/internal/unify"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// queueItem pairs a ground-enough event with the environment it carries
// (self/holder/param bindings needed to resolve it once applied).
type queueItem struct {
	Event *ast.Event
	Env   ast.Environment
}

// Evaluator owns no state of its own beyond budgets: the world (*store.Store)
// is the sole mutable object, per spec.md §5.
type Evaluator struct {
	store          *store.Store
	stepBudget     int
	fixpointBudget int
	log            *zap.Logger
}

// New constructs an Evaluator. A nil logger is replaced with a no-op one so
// callers (tests in particular) never need to wire zap just to dispatch.
func New(s *store.Store, stepBudget, fixpointBudget int, log *zap.Logger) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{store: s, stepBudget: stepBudget, fixpointBudget: fixpointBudget, log: log}
}

// Dispatch enqueues root and drains the work queue to quiescence. Called
// once per external input; the caller must not invoke Dispatch again until
// this call returns (spec.md §5: the evaluator drains to fixpoint before
// accepting the next input).
func (e *Evaluator) Dispatch(root *ast.Event) error {
	corrID := uuid.New().String()
	queue := []queueItem{{Event: root, Env: ast.Environment{}}}
	steps := 0

	for len(queue) > 0 {
		steps++
		if steps > e.stepBudget {
			return ast.Overflow(root.Span, e.stepBudget)
		}
		item := queue[0]
		queue = queue[1:]

		e.log.Debug("cascade step",
			zap.String("correlation_id", corrID),
			zap.Int("step", steps),
			zap.String("event", item.Event.String()))

		produced, err := e.processOne(item.Event, item.Env)
		if err != nil {
			return err
		}
		queue = append(queue, produced...)
	}
	return nil
}

// processOne runs spec.md §4.5 steps 2-6 for a single popped event.
func (e *Evaluator) processOne(ev *ast.Event, env ast.Environment) ([]queueItem, error) {
	var produced []queueItem

	if ev.Kind == ast.EventScoped {
		for _, f := range e.store.LiveFrames() {
			if f.Kind != store.FramePower {
				continue
			}
			matchEnv, ok := unify.Unify(ev, f.Power, e.store.FrameEnv(f), e.store)
			if !ok {
				continue
			}
			consequence := Instantiate(f.Power.Consequence, matchEnv, e.store)
			produced = append(produced, queueItem{consequence, matchEnv})
		}
	}

	for _, f := range e.store.LiveFrames() {
		if f.Kind != store.FrameReactive {
			continue
		}
		matchEnv, ok := unify.MatchEvent(f.Reactive.Event, ev, e.store.FrameEnv(f), e.store)
		if !ok {
			continue
		}
		reaction := Instantiate(f.Reactive.Reaction, matchEnv, e.store)
		produced = append(produced, queueItem{reaction, matchEnv})
	}

	applied, err := e.apply(ev, env)
	if err != nil {
		return nil, err
	}
	produced = append(produced, applied...)

	if err := e.runTransformationalFixpoint(); err != nil {
		return nil, err
	}

	triggered, err := e.checkDeonticTriggers(ev)
	if err != nil {
		return nil, err
	}
	produced = append(produced, triggered...)

	return produced, nil
}

// apply mutates the world for ev's own effect (spec.md §4.5 step 4). Atomic,
// refined, and scoped events have no direct effect beyond the matching
// already performed in processOne.
func (e *Evaluator) apply(ev *ast.Event, env ast.Environment) ([]queueItem, error) {
	switch ev.Kind {
	case ast.EventProduction:
		return e.applyProduction(ev, env)

	case ast.EventNaming:
		entity, ok := unify.Resolve(ev.Entity, env, e.store)
		if !ok {
			return nil, ast.Runtime(ev.Span, "naming event entity %s does not resolve", ev.Entity)
		}
		descriptor, ok := unify.Resolve(ev.Descriptor, env, e.store)
		if !ok {
			return nil, ast.Runtime(ev.Span, "naming event descriptor %s does not resolve", ev.Descriptor)
		}
		if ev.Gains {
			e.store.AssertHas(entity, descriptor)
		} else {
			e.store.RetractHas(entity, descriptor)
		}
		return nil, nil

	default:
		return nil, nil
	}
}

func currentSelf(env ast.Environment) ast.ObjectID {
	if b, ok := env[ast.KeywordSelf]; ok {
		return b.Object
	}
	return store.RootOwner
}

func (e *Evaluator) applyProduction(ev *ast.Event, env ast.Environment) ([]queueItem, error) {
	owner := currentSelf(env)

	if ev.FrameLiteral != nil {
		if !ev.Plus {
			return nil, ast.Runtime(ev.Span, "minus of an inline frame literal is not meaningful")
		}
		return e.addFrameDirective(ev.FrameLiteral, owner, env)
	}

	if !ev.Plus {
		return e.applyMinus(ev, owner, env)
	}

	switch ev.Object.Kind {
	case ast.RefRefined:
		return e.instantiateTemplate(ev.Object, owner, env)
	case ast.RefScoped:
		if _, ok := unify.Resolve(ev.Object, env, e.store); !ok {
			return nil, ast.Runtime(ev.Span, "plus: cannot materialize %s", ev.Object)
		}
		return nil, nil
	default:
		id, ok := unify.Resolve(ev.Object, env, e.store)
		if !ok {
			return nil, ast.Runtime(ev.Span, "plus: object %s does not resolve", ev.Object)
		}
		// Re-asserting a bare name's existence is idempotent: entities
		// never disappear (spec.md §8 invariant 2).
		e.store.AddAtomic(id)
		return nil, nil
	}
}

func (e *Evaluator) applyMinus(ev *ast.Event, owner ast.ObjectID, env ast.Environment) ([]queueItem, error) {
	ref := ev.Object

	if ref.Kind == ast.RefName && ref.Name == ast.KeywordSelf {
		selfID, ok := env[ast.KeywordSelf]
		if !ok {
			return nil, ast.Runtime(ev.Span, "minus self used outside a binding context")
		}
		e.store.DestroyInstance(selfID.Object)
		return nil, nil
	}

	if ref.Kind == ast.RefName {
		if fid, ok := e.store.LookupAlias(owner, ref.Name); ok {
			e.store.RemoveFrame(fid)
			return nil, nil
		}
		if fid, ok := e.store.LookupAlias(store.RootOwner, ref.Name); ok {
			e.store.RemoveFrame(fid)
			return nil, nil
		}
	}

	if id, ok := unify.Resolve(ref, env, e.store); ok {
		if _, isInstance := e.store.Instance(id); isInstance {
			e.store.DestroyInstance(id)
			return nil, nil
		}
	}

	return nil, ast.Runtime(ev.Span, "minus of a non-live object %s", ref)
}

func (e *Evaluator) instantiateTemplate(ref *ast.ObjectRef, owner ast.ObjectID, env ast.Environment) ([]queueItem, error) {
	templateName := ref.Object.String()
	cf, ok := e.store.Template(templateName)
	if !ok {
		return nil, ast.NameErr(ref.Span, "unknown compound frame template %q", templateName)
	}

	bindings := make(map[string]ast.ObjectID, len(cf.Params))
	for _, kv := range ref.Refinement {
		if kv.Value.IsEvent() {
			continue
		}
		id, ok := unify.Resolve(kv.Value.Ref, env, e.store)
		if !ok {
			return nil, ast.Runtime(ref.Span, "template argument %q does not resolve", kv.Key)
		}
		bindings[kv.Key] = id
	}

	inst := e.store.CreateInstance(templateName, bindings, owner)
	childEnv := ast.Environment{ast.KeywordSelf: ast.Binding{Object: inst.ID}}
	if owner != store.RootOwner {
		childEnv[ast.KeywordSuper] = ast.Binding{Object: owner}
	}
	for p, v := range bindings {
		childEnv[p] = ast.Binding{Object: v}
	}

	var produced []queueItem
	for _, d := range cf.Content {
		switch d.Kind {
		case ast.DirectiveAtomics:
			for _, a := range d.Atomics {
				e.store.AddAtomic(ast.ObjectID(a))
			}
		case ast.DirectiveCompound:
			e.store.RegisterTemplate(d.Compound)
		case ast.DirectivePower:
			p := InstantiatePower(d.Power, childEnv, e.store)
			e.store.AddFrame(store.FramePower, inst.ID, p.Alias, p, nil, nil, nil)
		case ast.DirectiveDeontic:
			df := InstantiateDeontic(d.Deontic, childEnv, e.store)
			e.store.AddFrame(store.FrameDeontic, inst.ID, df.Alias, nil, df, nil, nil)
		case ast.DirectiveReactive:
			r := InstantiateReactive(d.Reactive, childEnv, e.store)
			e.store.AddFrame(store.FrameReactive, inst.ID, r.Alias, nil, nil, r, nil)
		case ast.DirectiveTransformational:
			t := InstantiateTransformational(d.Transformational, childEnv, e.store)
			e.store.AddFrame(store.FrameTransformational, inst.ID, t.Alias, nil, nil, nil, t)
		case ast.DirectiveEvent:
			grounded := Instantiate(d.Event, childEnv, e.store)
			produced = append(produced, queueItem{grounded, childEnv})
		}
	}

	for _, dref := range cf.InitialDescriptors {
		if descID, ok := unify.Resolve(dref, childEnv, e.store); ok {
			e.store.AssertHas(inst.ID, descID)
		}
	}

	return produced, nil
}

// addFrameDirective adds an inline frame literal produced by a `plus`,
// grounding it against env first: any name the producing match bound (a
// reactive rule's free variable, a power's refinement parameter) becomes a
// literal in the stored frame, since nothing will re-bind it later.
func (e *Evaluator) addFrameDirective(dir *ast.Directive, owner ast.ObjectID, env ast.Environment) ([]queueItem, error) {
	switch dir.Kind {
	case ast.DirectivePower:
		p := InstantiatePower(dir.Power, env, e.store)
		e.store.AddFrame(store.FramePower, owner, p.Alias, p, nil, nil, nil)
	case ast.DirectiveDeontic:
		df := InstantiateDeontic(dir.Deontic, env, e.store)
		e.store.AddFrame(store.FrameDeontic, owner, df.Alias, nil, df, nil, nil)
	case ast.DirectiveReactive:
		r := InstantiateReactive(dir.Reactive, env, e.store)
		e.store.AddFrame(store.FrameReactive, owner, r.Alias, nil, nil, r, nil)
	case ast.DirectiveTransformational:
		t := InstantiateTransformational(dir.Transformational, env, e.store)
		e.store.AddFrame(store.FrameTransformational, owner, t.Alias, nil, nil, nil, t)
	default:
		return nil, ast.Schema(dir.Span, "plus of a frame literal must be a power, deontic, reactive, or transformational frame")
	}
	return nil, nil
}

// runTransformationalFixpoint runs spec.md §4.5 step 5: every
// transformational rule once per round, repeating while any rule's
// conclusion changes the world, bounded by fixpointBudget.
func (e *Evaluator) runTransformationalFixpoint() error {
	for round := 0; round < e.fixpointBudget; round++ {
		changed := false
		for _, f := range e.store.LiveFrames() {
			if f.Kind != store.FrameTransformational {
				continue
			}
			fenv := e.store.FrameEnv(f)
			if !cond.Eval(f.Transformational.Condition, fenv, e.store) {
				continue
			}
			grounded := Instantiate(f.Transformational.Conclusion, fenv, e.store)
			did, err := e.applyConclusion(grounded)
			if err != nil {
				return err
			}
			if did {
				changed = true
			}
		}
		if !changed {
			return nil
		}
	}
	return ast.Overflow(ast.Span{}, e.fixpointBudget)
}

// applyConclusion asserts a transformational rule's conclusion, which the
// decoder always lowers to a naming-event shape (spec.md §4.5 step 5's
// "conclusions ... are interpreted as assertions").
func (e *Evaluator) applyConclusion(ev *ast.Event) (bool, error) {
	if ev.Kind != ast.EventNaming {
		return false, ast.Runtime(ev.Span, "transformational conclusion must lower to a naming event")
	}
	entity, ok := unify.Resolve(ev.Entity, ast.Environment{}, e.store)
	if !ok {
		return false, nil
	}
	descriptor, ok := unify.Resolve(ev.Descriptor, ast.Environment{}, e.store)
	if !ok {
		return false, nil
	}
	if ev.Gains {
		return e.store.AssertHas(entity, descriptor), nil
	}
	return e.store.RetractHas(entity, descriptor), nil
}

// checkDeonticTriggers runs spec.md §4.5 step 6 against every live deontic
// frame. The frame slice is snapshotted first because a fulfillment or
// termination removes a frame mid-loop.
func (e *Evaluator) checkDeonticTriggers(justProcessed *ast.Event) ([]queueItem, error) {
	live := append([]*store.LiveFrame{}, e.store.LiveFrames()...)
	var produced []queueItem

	for _, f := range live {
		if f.Kind != store.FrameDeontic {
			continue
		}
		if _, stillLive := e.store.Frame(f.ID); !stillLive {
			continue
		}
		df := f.Deontic
		fenv := e.store.FrameEnv(f)

		if e.triggerFires(f, "fulfillment", df.Fulfillment, justProcessed, fenv) {
			e.store.RemoveFrame(f.ID)
			continue
		}
		if e.triggerFires(f, "termination", df.Termination, justProcessed, fenv) {
			e.store.RemoveFrame(f.ID)
			continue
		}
		if e.triggerFires(f, "violation", df.Violation, justProcessed, fenv) {
			alias := f.Alias
			if alias == "" {
				alias = f.ID
			}
			// Scope the synthetic event on the duty's alias (spec.md §4.5
			// step 6's "plus {scope: duty_alias, name: violated}"),
			// carried as a refined event rather than a bare production so
			// the violator is structurally present for a reactive rule to
			// bind, not only implicit in an environment that the event
			// itself does not carry once re-enqueued.
			refinement := ast.Refinement{{Key: "duty", Value: ast.RefinementValue{Ref: ast.Literal(ast.ObjectID(alias))}}}
			if holderID, ok := unify.Resolve(df.Holder, fenv, e.store); ok {
				refinement = append(refinement, ast.KV{Key: "holder", Value: ast.RefinementValue{Ref: ast.Literal(holderID)}})
			}
			violated := &ast.Event{Kind: ast.EventRefined, Tag: "#violated", Refinement: refinement}
			produced = append(produced, queueItem{violated, fenv})
		}
	}
	return produced, nil
}

// triggerFires evaluates one of a deontic frame's three trigger slots.
// Event-shaped triggers match against the event just processed; boolean
// triggers are edge-triggered on a false->true transition (SPEC_FULL.md's
// resolution of spec.md §9's open question).
func (e *Evaluator) triggerFires(f *store.LiveFrame, key string, t *ast.Trigger, justProcessed *ast.Event, env ast.Environment) bool {
	if t == nil {
		return false
	}
	if t.Event != nil {
		_, ok := unify.MatchEvent(t.Event, justProcessed, env, e.store)
		return ok
	}
	if t.Bool != nil {
		val := cond.Eval(t.Bool, env, e.store)
		prev := f.LastBool(key, val)
		return !prev && val
	}
	return false
}

// Instantiate deep-substitutes bound RefName leaves into RefLiteral leaves
// throughout ev, producing the event the evaluator enqueues. It never
// resolves a {object, refinement} reference to an instance id: apply
// decides whether that shape means "create" or "reference" depending on
// the event kind it appears in.
func Instantiate(ev *ast.Event, env ast.Environment, s *store.Store) *ast.Event {
	if ev == nil {
		return nil
	}
	out := *ev
	switch ev.Kind {
	case ast.EventRefined:
		out.Refinement = instantiateRefinement(ev.Refinement, env, s)
	case ast.EventScoped:
		out.Agent = instantiateRef(ev.Agent, env, s)
		out.Action = Instantiate(ev.Action, env, s)
	case ast.EventProduction:
		if ev.FrameLiteral == nil {
			out.Object = instantiateRef(ev.Object, env, s)
		}
	case ast.EventNaming:
		out.Entity = instantiateRef(ev.Entity, env, s)
		out.Descriptor = instantiateRef(ev.Descriptor, env, s)
	}
	return &out
}

func instantiateRef(ref *ast.ObjectRef, env ast.Environment, s *store.Store) *ast.ObjectRef {
	if ref == nil {
		return nil
	}
	switch ref.Kind {
	case ast.RefLiteral:
		return ref
	case ast.RefName:
		if ref.Name == ast.Wildcard {
			return ref
		}
		if b, ok := env[ref.Name]; ok && b.Event == nil {
			return ast.Literal(b.Object)
		}
		return ref
	case ast.RefScoped:
		return &ast.ObjectRef{Kind: ast.RefScoped, Name: ref.Name, Scope: instantiateRef(ref.Scope, env, s)}
	case ast.RefRefined:
		return &ast.ObjectRef{
			Kind:       ast.RefRefined,
			Object:     ref.Object,
			Alias:      ref.Alias,
			Refinement: instantiateRefinement(ref.Refinement, env, s),
		}
	}
	return ref
}

func instantiateRefinement(r ast.Refinement, env ast.Environment, s *store.Store) ast.Refinement {
	if r == nil {
		return nil
	}
	out := make(ast.Refinement, len(r))
	for i, kv := range r {
		if kv.Value.IsEvent() {
			out[i] = ast.KV{Key: kv.Key, Value: ast.RefinementValue{Event: Instantiate(kv.Value.Event, env, s)}}
		} else {
			out[i] = ast.KV{Key: kv.Key, Value: ast.RefinementValue{Ref: instantiateRef(kv.Value.Ref, env, s)}}
		}
	}
	return out
}

// InstantiatePower grounds a power frame's Holder, Action, and Consequence
// against env at the moment the frame enters the live frame set. Frames are
// matched later against a lazily-derived self/param environment
// (store.Store.FrameEnv) that can only ever recover the owning instance's
// own bindings, so any name bound by whatever produced this frame — a
// template's refinement parameter, a reactive rule's free variable — has to
// be baked in now or it is lost.
func InstantiatePower(p *ast.PowerFrame, env ast.Environment, s *store.Store) *ast.PowerFrame {
	if p == nil {
		return nil
	}
	out := *p
	out.Holder = instantiateRef(p.Holder, env, s)
	out.Action = Instantiate(p.Action, env, s)
	out.Consequence = Instantiate(p.Consequence, env, s)
	return &out
}

// InstantiateDeontic grounds a deontic frame's Holder, Counterparty, Action,
// and trigger slots against env, for the same reason InstantiatePower does.
func InstantiateDeontic(d *ast.DeonticFrame, env ast.Environment, s *store.Store) *ast.DeonticFrame {
	if d == nil {
		return nil
	}
	out := *d
	out.Holder = instantiateRef(d.Holder, env, s)
	out.Counterparty = instantiateRef(d.Counterparty, env, s)
	out.Action = Instantiate(d.Action, env, s)
	out.Violation = instantiateTrigger(d.Violation, env, s)
	out.Fulfillment = instantiateTrigger(d.Fulfillment, env, s)
	out.Termination = instantiateTrigger(d.Termination, env, s)
	return &out
}

func instantiateTrigger(t *ast.Trigger, env ast.Environment, s *store.Store) *ast.Trigger {
	if t == nil {
		return nil
	}
	if t.Event != nil {
		return &ast.Trigger{Event: Instantiate(t.Event, env, s)}
	}
	return &ast.Trigger{Bool: InstantiateBoolExpr(t.Bool, env, s)}
}

// InstantiateBoolExpr grounds a boolean condition against env, the
// BoolExpr-shaped counterpart of Instantiate.
func InstantiateBoolExpr(b *ast.BoolExpr, env ast.Environment, s *store.Store) *ast.BoolExpr {
	if b == nil {
		return nil
	}
	out := *b
	switch b.Kind {
	case ast.BoolHas:
		out.Entity = instantiateRef(b.Entity, env, s)
		out.Descriptor = instantiateRef(b.Descriptor, env, s)
	case ast.BoolNegate:
		out.Negate = InstantiateBoolExpr(b.Negate, env, s)
	case ast.BoolRef:
		out.Ref = instantiateRef(b.Ref, env, s)
	}
	return &out
}

// InstantiateTransformational grounds a transformational rule's Condition
// and Conclusion against env.
func InstantiateTransformational(t *ast.TransformationalRule, env ast.Environment, s *store.Store) *ast.TransformationalRule {
	if t == nil {
		return nil
	}
	out := *t
	out.Condition = InstantiateBoolExpr(t.Condition, env, s)
	out.Conclusion = Instantiate(t.Conclusion, env, s)
	return &out
}

// InstantiateReactive grounds a reactive rule's Event pattern and Reaction
// against env. Grounding the pattern too (not only the reaction) matters
// for a reactive rule added by another reactive rule's reaction: any free
// variable the outer match bound must be carried into the inner pattern as
// a literal, since nothing will bind it again.
func InstantiateReactive(r *ast.ReactiveRule, env ast.Environment, s *store.Store) *ast.ReactiveRule {
	if r == nil {
		return nil
	}
	out := *r
	out.Event = Instantiate(r.Event, env, s)
	out.Reaction = Instantiate(r.Reaction, env, s)
	return &out
}
