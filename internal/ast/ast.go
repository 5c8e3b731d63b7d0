// Package ast is the tagged term model for DPCL programs: object references,
// events, frames, rules, and boolean expressions, plus the error kinds the
// rest of the interpreter surfaces. Every node carries a Span for diagnostics.
package ast

import "fmt"

// ObjectID identifies a concrete, resolved object at runtime: either the
// name of a declared atomic entity, or the synthetic id of a live instance
// or scoped child object. Entities have no structure beyond their identity,
// so a string is all ObjectID needs to be.
type ObjectID string

// Span locates a node within the directives array that produced it, for
// diagnostics. DPCL's parser is specified only at the AST level (no textual
// grammar), so this is a directive index plus a JSON-pointer-ish path
// rather than a line/column.
type Span struct {
	Directive int
	Path      string
}

func (s Span) String() string {
	if s.Path == "" {
		return fmt.Sprintf("directive[%d]", s.Directive)
	}
	return fmt.Sprintf("directive[%d]%s", s.Directive, s.Path)
}

// Reserved keywords. Reserved names may appear as bare object references but
// may never be used as an assignable alias.
const (
	KeywordSelf   = "self"
	KeywordSuper  = "super"
	KeywordHolder = "holder"
	Wildcard      = "*"
	WildcardEvent = "#*"
)

func IsReserved(name string) bool {
	switch name {
	case KeywordSelf, KeywordSuper, KeywordHolder, Wildcard:
		return true
	}
	return false
}

// RefKind tags the structural variant of an ObjectRef.
type RefKind int

const (
	// RefName is a bare name: a declared atomic, a reserved keyword, the
	// wildcard, or (pre-resolution) a bound parameter name.
	RefName RefKind = iota
	// RefRefined is {object, refinement, alias?}.
	RefRefined
	// RefScoped is {scope, name}.
	RefScoped
	// RefLiteral is a reference that has already been resolved to a
	// concrete ObjectID, produced by instantiation/substitution rather
	// than by decoding program source.
	RefLiteral
)

// RefinementValue is the value half of a refinement map entry: either an
// object reference or an event, per spec.md §3's "refinement is a mapping
// from parameter names to object references or from event tags to events".
type RefinementValue struct {
	Ref   *ObjectRef
	Event *Event
}

func (v RefinementValue) IsEvent() bool { return v.Event != nil }

// KV is an ordered refinement entry. Refinements are small ordered maps,
// never a general unification engine (spec.md §9).
type KV struct {
	Key   string
	Value RefinementValue
}

// Refinement looks up a key in an ordered refinement slice.
type Refinement []KV

func (r Refinement) Get(key string) (RefinementValue, bool) {
	for _, kv := range r {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return RefinementValue{}, false
}

// ObjectRef is one of: a bare name, a refined object, a scoped object, or
// (post-resolution) a literal.
type ObjectRef struct {
	Kind RefKind
	Span Span

	// RefName / RefScoped.Name
	Name string

	// RefRefined
	Object     *ObjectRef
	Refinement Refinement
	Alias      string

	// RefScoped
	Scope *ObjectRef

	// RefLiteral
	Literal ObjectID
}

func Literal(id ObjectID) *ObjectRef {
	return &ObjectRef{Kind: RefLiteral, Literal: id}
}

func Name(name string) *ObjectRef {
	return &ObjectRef{Kind: RefName, Name: name}
}

func (r *ObjectRef) String() string {
	if r == nil {
		return "<nil>"
	}
	switch r.Kind {
	case RefName:
		return r.Name
	case RefLiteral:
		return string(r.Literal)
	case RefScoped:
		return fmt.Sprintf("%s.%s", r.Scope, r.Name)
	case RefRefined:
		return fmt.Sprintf("%s%s", r.Object, r.Refinement)
	default:
		return "<invalid ref>"
	}
}

// EventKind tags the structural variant of an Event.
type EventKind int

const (
	EventAtomic EventKind = iota
	EventRefined
	EventScoped
	EventProduction
	EventNaming
)

// Event is one of the five shapes in spec.md §3: atomic, refined, scoped
// (an external action request), production (plus/minus), naming.
type Event struct {
	Kind EventKind
	Span Span

	// EventAtomic / EventRefined: the "#tag", including the wildcard "#*".
	Tag        string
	Refinement Refinement // EventRefined only

	// EventScoped: an action request {agent, action}.
	Agent  *ObjectRef
	Action *Event

	// EventProduction: {plus: object} or {minus: object}. Exactly one of
	// Object/FrameLiteral is set: Object when the production target is an
	// object reference (an existing template or a live object/frame by
	// name), FrameLiteral when the target is an inline frame definition
	// being added directly to the frame set.
	Plus        bool
	Object      *ObjectRef
	FrameLiteral *Directive

	// EventNaming: {entity, descriptor, gains}.
	Entity     *ObjectRef
	Descriptor *ObjectRef
	Gains      bool
}

func (e *Event) String() string {
	if e == nil {
		return "<nil>"
	}
	switch e.Kind {
	case EventAtomic:
		return e.Tag
	case EventRefined:
		return fmt.Sprintf("%s%v", e.Tag, e.Refinement)
	case EventScoped:
		return fmt.Sprintf("%s.%s", e.Agent, e.Action)
	case EventProduction:
		sign := "minus"
		if e.Plus {
			sign = "plus"
		}
		if e.FrameLiteral != nil {
			return fmt.Sprintf("%s <frame>", sign)
		}
		return fmt.Sprintf("%s %s", sign, e.Object)
	case EventNaming:
		verb := "out"
		if e.Gains {
			verb = "in"
		}
		return fmt.Sprintf("%s %s %s", e.Entity, verb, e.Descriptor)
	default:
		return "<invalid event>"
	}
}

// Position is a power-frame or deontic-frame position.
type Position string

const (
	PositionPower      Position = "power"
	PositionLiability  Position = "liability"
	PositionDisability Position = "disability"
	PositionImmunity   Position = "immunity"

	PositionDuty        Position = "duty"
	PositionProhibition Position = "prohibition"
	PositionLiberty     Position = "liberty"
	PositionClaim       Position = "claim"
	PositionProtection  Position = "protection"
	PositionNoClaim     Position = "no-claim"
)

func IsPowerPosition(p Position) bool {
	switch p {
	case PositionPower, PositionLiability, PositionDisability, PositionImmunity:
		return true
	}
	return false
}

// PowerFrame asserts: when Holder performs Action (modulo refinement
// unification), Consequence fires.
type PowerFrame struct {
	Position    Position
	Holder      *ObjectRef
	Action      *Event
	Consequence *Event
	Alias       string
	Span        Span
}

// Trigger is either an event pattern or a boolean expression, used for a
// deontic frame's violation/fulfillment/termination fields.
type Trigger struct {
	Event *Event
	Bool  *BoolExpr
}

// DeonticFrame tracks an obligation.
type DeonticFrame struct {
	Position     Position
	Holder       *ObjectRef
	Counterparty *ObjectRef
	Action       *Event
	Violation    *Trigger
	Fulfillment  *Trigger
	Termination  *Trigger
	Alias        string
	Span         Span
}

// CompoundFrame is a template: a schema for creating instances.
type CompoundFrame struct {
	Object             string
	Params             []string
	Content            []*Directive
	InitialDescriptors []*ObjectRef
	Alias              string
	Span               Span
}

// TransformationalRule: when Condition is true, Conclusion is asserted
// (monotone — Conclusion always lowers to a naming event with Gains=true).
type TransformationalRule struct {
	Condition  *BoolExpr
	Conclusion *Event
	Alias      string
	Span       Span
}

// ReactiveRule: when Event matches an observed event, Reaction fires. Event
// is never nil post-load: a reactive rule with no event field is rejected
// by the loader as a schema_error (spec.md §9).
type ReactiveRule struct {
	Event    *Event
	Reaction *Event
	Alias    string
	Span     Span
}

// BoolKind tags the structural variant of a BoolExpr.
type BoolKind int

const (
	BoolLiteral BoolKind = iota
	BoolHas
	BoolNegate
	BoolRef
)

// BoolExpr is a pure boolean condition over the dynamic world, evaluated by
// the condition engine (C6).
type BoolExpr struct {
	Kind    BoolKind
	Span    Span
	Literal bool

	Entity     *ObjectRef // BoolHas
	Descriptor *ObjectRef // BoolHas
	HasFlag    bool       // BoolHas

	Negate *BoolExpr // BoolNegate

	Ref *ObjectRef // BoolRef
}

// ImportDirective splices another program's directives in by name.
type ImportDirective struct {
	Name  string
	Alias string
	Span  Span
}

// DirectiveKind tags the structural variant of a top-level (or nested
// compound-content) Directive.
type DirectiveKind int

const (
	DirectiveAtomics DirectiveKind = iota
	DirectivePower
	DirectiveDeontic
	DirectiveCompound
	DirectiveReactive
	DirectiveTransformational
	DirectiveImport
	DirectiveEvent
)

// Directive is the union type the loader walks: one entry of a program's
// directives array, or one entry of a compound frame's content list.
type Directive struct {
	Kind DirectiveKind
	Span Span

	Atomics          []string
	Power            *PowerFrame
	Deontic          *DeonticFrame
	Compound         *CompoundFrame
	Reactive         *ReactiveRule
	Transformational *TransformationalRule
	Import           *ImportDirective
	Event            *Event
}

// IsFrame reports whether this directive is a frame/rule kind that the
// evaluator adds directly to the frame set (as opposed to an atomics
// declaration, import, or bare event).
func (d *Directive) IsFrame() bool {
	switch d.Kind {
	case DirectivePower, DirectiveDeontic, DirectiveReactive, DirectiveTransformational:
		return true
	}
	return false
}

// Alias returns the directive's alias, if it has one.
func (d *Directive) Alias() string {
	switch d.Kind {
	case DirectivePower:
		return d.Power.Alias
	case DirectiveDeontic:
		return d.Deontic.Alias
	case DirectiveCompound:
		return d.Compound.Alias
	case DirectiveReactive:
		return d.Reactive.Alias
	case DirectiveTransformational:
		return d.Transformational.Alias
	}
	return ""
}
