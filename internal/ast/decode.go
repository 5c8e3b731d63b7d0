package ast

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DecodeProgram decodes a JSON directives array into the normalized AST.
// This is the entirety of DPCL's "parser": spec.md §1 specifies the parser
// only at the level of the AST it must produce, and programs already arrive
// as JSON.
func DecodeProgram(data []byte) ([]*Directive, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Schema(Span{}, "program is not a JSON array: %v", err)
	}

	directives := make([]*Directive, 0, len(raw))
	for i, r := range raw {
		d, err := decodeDirective(i, r, "")
		if err != nil {
			return nil, err
		}
		directives = append(directives, d)
	}
	return directives, nil
}

func rawObject(r json.RawMessage) (map[string]json.RawMessage, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(r, &m); err != nil {
		return nil, false
	}
	return m, true
}

func rawString(r json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(r, &s); err != nil {
		return "", false
	}
	return s, true
}

func has(m map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func hasAny(m map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func decodeDirective(idx int, r json.RawMessage, path string) (*Directive, error) {
	span := Span{Directive: idx, Path: path}

	if s, ok := rawString(r); ok {
		ev, err := decodeAtomicString(s, span)
		if err != nil {
			return nil, err
		}
		return &Directive{Kind: DirectiveEvent, Span: span, Event: ev}, nil
	}

	m, ok := rawObject(r)
	if !ok {
		return nil, Schema(span, "directive is neither a JSON object nor a string")
	}

	switch {
	case has(m, "atomics"):
		var names []string
		if err := json.Unmarshal(m["atomics"], &names); err != nil {
			return nil, Schema(span, "atomics declaration must be an array of names: %v", err)
		}
		return &Directive{Kind: DirectiveAtomics, Span: span, Atomics: names}, nil

	case has(m, "import"):
		name, _ := rawString(m["import"])
		alias := ""
		if a, ok := m["alias"]; ok {
			alias, _ = rawString(a)
		}
		return &Directive{Kind: DirectiveImport, Span: span, Import: &ImportDirective{Name: name, Alias: alias, Span: span}}, nil

	case has(m, "position"):
		pos, _ := rawString(m["position"])
		if IsPowerPosition(Position(pos)) {
			pf, err := decodePowerFrame(m, span)
			if err != nil {
				return nil, err
			}
			return &Directive{Kind: DirectivePower, Span: span, Power: pf}, nil
		}
		df, err := decodeDeonticFrame(m, span)
		if err != nil {
			return nil, err
		}
		return &Directive{Kind: DirectiveDeontic, Span: span, Deontic: df}, nil

	case has(m, "object", "params", "content"):
		cf, err := decodeCompoundFrame(m, idx, span)
		if err != nil {
			return nil, err
		}
		return &Directive{Kind: DirectiveCompound, Span: span, Compound: cf}, nil

	case has(m, "condition", "conclusion"):
		tr, err := decodeTransformationalRule(m, span)
		if err != nil {
			return nil, err
		}
		return &Directive{Kind: DirectiveTransformational, Span: span, Transformational: tr}, nil

	case has(m, "reaction"):
		rr, err := decodeReactiveRule(m, span)
		if err != nil {
			return nil, err
		}
		return &Directive{Kind: DirectiveReactive, Span: span, Reactive: rr}, nil

	default:
		ev, err := decodeEvent(r, span)
		if err != nil {
			return nil, Schema(span, "directive matches no known shape: %v", err)
		}
		return &Directive{Kind: DirectiveEvent, Span: span, Event: ev}, nil
	}
}

func decodeAtomicString(s string, span Span) (*Event, error) {
	if !strings.HasPrefix(s, "#") {
		return nil, Schema(span, "bare string directive/event must be an atomic event tag starting with '#', got %q", s)
	}
	return &Event{Kind: EventAtomic, Span: span, Tag: s}, nil
}

// DecodeObjectRef decodes a single JSON object reference, for callers
// outside the loader (the shell's `show` command in particular) that need
// to decode one ad hoc without a surrounding directives array.
func DecodeObjectRef(r json.RawMessage) (*ObjectRef, error) {
	return decodeObjectRef(r, Span{})
}

// decodeObjectRef decodes an object reference per spec.md §3: a bare name,
// a refined object {object, refinement, alias?}, or a scoped object
// {scope, name}.
func decodeObjectRef(r json.RawMessage, span Span) (*ObjectRef, error) {
	if s, ok := rawString(r); ok {
		return &ObjectRef{Kind: RefName, Span: span, Name: s}, nil
	}

	m, ok := rawObject(r)
	if !ok {
		return nil, Schema(span, "object reference is neither a string nor an object")
	}

	if has(m, "scope") && !has(m, "action") {
		scope, err := decodeObjectRef(m["scope"], span)
		if err != nil {
			return nil, err
		}
		name := ""
		if n, ok := m["name"]; ok {
			name, _ = rawString(n)
		}
		return &ObjectRef{Kind: RefScoped, Span: span, Scope: scope, Name: name}, nil
	}

	if has(m, "object") {
		obj, err := decodeObjectRef(m["object"], span)
		if err != nil {
			return nil, err
		}
		ref := &ObjectRef{Kind: RefRefined, Span: span, Object: obj}
		if ref.Object.Kind == RefName && IsReserved(ref.Object.Name) && ref.Object.Name != Wildcard {
			// fine: refining self/holder/super is legal (e.g. self's own
			// parametrized sub-object); only assigning a reserved name as
			// an alias is rejected, and that's a loader-time check.
		}
		if rf, ok := m["refinement"]; ok {
			refinement, err := decodeRefinement(rf, span)
			if err != nil {
				return nil, err
			}
			ref.Refinement = refinement
		}
		if a, ok := m["alias"]; ok {
			ref.Alias, _ = rawString(a)
		}
		return ref, nil
	}

	return nil, Schema(span, "object reference matches no known shape: %v", m)
}

// decodeRefinement decodes a refinement map. Each value is ambiguously
// either an object reference or an event (spec.md §3); we disambiguate
// structurally: a string starting with '#', or an object carrying an
// event-only key, decodes as an Event.
func decodeRefinement(r json.RawMessage, span Span) (Refinement, error) {
	m, ok := rawObject(r)
	if !ok {
		return nil, Schema(span, "refinement must be a JSON object")
	}

	// Preserve JSON object key order is not guaranteed by encoding/json's
	// map decoding; refinement order has no semantic significance (keys are
	// matched by name, not position), so a deterministic (sorted) walk over
	// the map suffices here and keeps behavior reproducible across runs.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(Refinement, 0, len(keys))
	for _, k := range keys {
		v := m[k]
		val, err := decodeRefinementValue(v, span)
		if err != nil {
			return nil, err
		}
		out = append(out, KV{Key: k, Value: val})
	}
	return out, nil
}

func decodeRefinementValue(r json.RawMessage, span Span) (RefinementValue, error) {
	if s, ok := rawString(r); ok {
		if strings.HasPrefix(s, "#") {
			ev, err := decodeAtomicString(s, span)
			if err != nil {
				return RefinementValue{}, err
			}
			return RefinementValue{Event: ev}, nil
		}
		return RefinementValue{Ref: &ObjectRef{Kind: RefName, Span: span, Name: s}}, nil
	}

	m, ok := rawObject(r)
	if ok && looksLikeEvent(m) {
		ev, err := decodeEvent(r, span)
		if err != nil {
			return RefinementValue{}, err
		}
		return RefinementValue{Event: ev}, nil
	}

	ref, err := decodeObjectRef(r, span)
	if err != nil {
		return RefinementValue{}, err
	}
	return RefinementValue{Ref: ref}, nil
}

func looksLikeEvent(m map[string]json.RawMessage) bool {
	return hasAny(m, "event", "plus", "minus", "entity", "agent")
}

// decodeEvent decodes an event per spec.md §3: atomic, refined, scoped
// (action request), production (plus/minus), or naming.
func decodeEvent(r json.RawMessage, span Span) (*Event, error) {
	if s, ok := rawString(r); ok {
		return decodeAtomicString(s, span)
	}

	m, ok := rawObject(r)
	if !ok {
		return nil, Schema(span, "event is neither a string nor an object")
	}

	switch {
	case has(m, "plus") || has(m, "minus"):
		return decodeProductionEvent(m, span)

	case has(m, "entity", "descriptor") && hasAny(m, "gains"):
		return decodeNamingEvent(m, span)

	case has(m, "event"):
		tagRaw := m["event"]
		tag, ok := rawString(tagRaw)
		if !ok {
			return nil, Schema(span, "refined event's 'event' field must be an atomic tag string")
		}
		if !strings.HasPrefix(tag, "#") {
			return nil, Schema(span, "refined event tag must start with '#', got %q", tag)
		}
		ev := &Event{Kind: EventRefined, Span: span, Tag: tag}
		if rf, ok := m["refinement"]; ok {
			refinement, err := decodeRefinement(rf, span)
			if err != nil {
				return nil, err
			}
			ev.Refinement = refinement
		}
		return ev, nil

	case has(m, "agent", "action"):
		agent, err := decodeObjectRef(m["agent"], span)
		if err != nil {
			return nil, err
		}
		action, err := decodeEvent(m["action"], span)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventScoped, Span: span, Agent: agent, Action: action}, nil

	default:
		return nil, Schema(span, "event matches no known shape: %v", m)
	}
}

func decodeProductionEvent(m map[string]json.RawMessage, span Span) (*Event, error) {
	plus := has(m, "plus")
	key := "minus"
	if plus {
		key = "plus"
	}
	target := m[key]

	ev := &Event{Kind: EventProduction, Span: span, Plus: plus}

	tm, ok := rawObject(target)
	if ok && looksLikeFrameLiteral(tm) {
		d, err := decodeDirective(span.Directive, target, span.Path+"."+key)
		if err != nil {
			return nil, err
		}
		if !d.IsFrame() && d.Kind != DirectiveCompound {
			return nil, Schema(span, "%s target is not a frame or compound literal", key)
		}
		ev.FrameLiteral = d
		return ev, nil
	}

	obj, err := decodeObjectRef(target, span)
	if err != nil {
		return nil, err
	}
	ev.Object = obj
	return ev, nil
}

func looksLikeFrameLiteral(m map[string]json.RawMessage) bool {
	return has(m, "position") || has(m, "condition", "conclusion") || has(m, "reaction") ||
		has(m, "object", "params", "content")
}

func decodeNamingEvent(m map[string]json.RawMessage, span Span) (*Event, error) {
	entity, err := decodeObjectRef(m["entity"], span)
	if err != nil {
		return nil, err
	}
	descriptor, err := decodeObjectRef(m["descriptor"], span)
	if err != nil {
		return nil, err
	}
	var gains bool
	if err := json.Unmarshal(m["gains"], &gains); err != nil {
		return nil, Schema(span, "naming event 'gains' must be a boolean: %v", err)
	}
	return &Event{Kind: EventNaming, Span: span, Entity: entity, Descriptor: descriptor, Gains: gains}, nil
}

// decodeBoolExpr decodes a boolean expression per spec.md §4.6.
func decodeBoolExpr(r json.RawMessage, span Span) (*BoolExpr, error) {
	if b, ok := rawBool(r); ok {
		return &BoolExpr{Kind: BoolLiteral, Span: span, Literal: b}, nil
	}

	m, ok := rawObject(r)
	if !ok {
		// A bare object/string reference: true iff it resolves to a live
		// object.
		ref, err := decodeObjectRef(r, span)
		if err != nil {
			return nil, err
		}
		return &BoolExpr{Kind: BoolRef, Span: span, Ref: ref}, nil
	}

	switch {
	case has(m, "negate"):
		inner, err := decodeBoolExpr(m["negate"], span)
		if err != nil {
			return nil, err
		}
		return &BoolExpr{Kind: BoolNegate, Span: span, Negate: inner}, nil

	case has(m, "entity", "has", "descriptor"):
		entity, err := decodeObjectRef(m["entity"], span)
		if err != nil {
			return nil, err
		}
		descriptor, err := decodeObjectRef(m["descriptor"], span)
		if err != nil {
			return nil, err
		}
		var flag bool
		if err := json.Unmarshal(m["has"], &flag); err != nil {
			return nil, Schema(span, "descriptor condition 'has' must be a boolean: %v", err)
		}
		return &BoolExpr{Kind: BoolHas, Span: span, Entity: entity, Descriptor: descriptor, HasFlag: flag}, nil

	default:
		ref, err := decodeObjectRef(r, span)
		if err != nil {
			return nil, Schema(span, "boolean expression matches no known shape: %v", m)
		}
		return &BoolExpr{Kind: BoolRef, Span: span, Ref: ref}, nil
	}
}

func rawBool(r json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(r, &b); err != nil {
		return false, false
	}
	return b, true
}

func decodeTrigger(r json.RawMessage, span Span) (*Trigger, error) {
	m, ok := rawObject(r)
	if ok && has(m, "event") {
		ev, err := decodeEvent(m["event"], span)
		if err != nil {
			return nil, err
		}
		return &Trigger{Event: ev}, nil
	}
	// Try as an event first (production/naming/scoped shapes are
	// unambiguous), then fall back to a boolean expression.
	if ok && (has(m, "plus") || has(m, "minus") || hasAny(m, "entity") || has(m, "agent", "action")) {
		ev, err := decodeEvent(r, span)
		if err == nil {
			return &Trigger{Event: ev}, nil
		}
	}
	be, err := decodeBoolExpr(r, span)
	if err != nil {
		return nil, err
	}
	return &Trigger{Bool: be}, nil
}

func decodePowerFrame(m map[string]json.RawMessage, span Span) (*PowerFrame, error) {
	pos, _ := rawString(m["position"])
	pf := &PowerFrame{Position: Position(pos), Span: span}

	holder := &ObjectRef{Kind: RefName, Name: Wildcard, Span: span}
	if h, ok := m["holder"]; ok {
		var err error
		holder, err = decodeObjectRef(h, span)
		if err != nil {
			return nil, err
		}
	}
	pf.Holder = holder

	action, ok := m["action"]
	if !ok {
		return nil, Schema(span, "power frame missing 'action'")
	}
	ev, err := decodeEvent(action, span)
	if err != nil {
		return nil, err
	}
	pf.Action = ev

	consequence, ok := m["consequence"]
	if !ok {
		return nil, Schema(span, "power frame missing 'consequence'")
	}
	cev, err := decodeEvent(consequence, span)
	if err != nil {
		return nil, err
	}
	pf.Consequence = cev

	if a, ok := m["alias"]; ok {
		pf.Alias, _ = rawString(a)
	}
	return pf, nil
}

func decodeDeonticFrame(m map[string]json.RawMessage, span Span) (*DeonticFrame, error) {
	pos, _ := rawString(m["position"])
	df := &DeonticFrame{Position: Position(pos), Span: span}

	holder := &ObjectRef{Kind: RefName, Name: Wildcard, Span: span}
	if h, ok := m["holder"]; ok {
		var err error
		holder, err = decodeObjectRef(h, span)
		if err != nil {
			return nil, err
		}
	}
	df.Holder = holder

	counterparty := &ObjectRef{Kind: RefName, Name: Wildcard, Span: span}
	if c, ok := m["counterparty"]; ok {
		var err error
		counterparty, err = decodeObjectRef(c, span)
		if err != nil {
			return nil, err
		}
	}
	df.Counterparty = counterparty

	if action, ok := m["action"]; ok {
		ev, err := decodeEvent(action, span)
		if err != nil {
			return nil, err
		}
		df.Action = ev
	}

	for _, f := range []struct {
		key string
		dst **Trigger
	}{
		{"violation", &df.Violation},
		{"fulfillment", &df.Fulfillment},
		{"termination", &df.Termination},
	} {
		if raw, ok := m[f.key]; ok {
			t, err := decodeTrigger(raw, span)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.key, err)
			}
			*f.dst = t
		}
	}

	if a, ok := m["alias"]; ok {
		df.Alias, _ = rawString(a)
	}
	return df, nil
}

func decodeCompoundFrame(m map[string]json.RawMessage, idx int, span Span) (*CompoundFrame, error) {
	name, _ := rawString(m["object"])

	var params []string
	if err := json.Unmarshal(m["params"], &params); err != nil {
		return nil, Schema(span, "compound frame 'params' must be an array of names: %v", err)
	}

	var rawContent []json.RawMessage
	if err := json.Unmarshal(m["content"], &rawContent); err != nil {
		return nil, Schema(span, "compound frame 'content' must be an array: %v", err)
	}

	content := make([]*Directive, 0, len(rawContent))
	for i, c := range rawContent {
		d, err := decodeDirective(idx, c, fmt.Sprintf("%s.content[%d]", span.Path, i))
		if err != nil {
			return nil, err
		}
		content = append(content, d)
	}

	cf := &CompoundFrame{Object: name, Params: params, Content: content, Span: span}

	if ids, ok := m["initial_descriptors"]; ok {
		var rawRefs []json.RawMessage
		if err := json.Unmarshal(ids, &rawRefs); err != nil {
			return nil, Schema(span, "compound frame 'initial_descriptors' must be an array: %v", err)
		}
		for _, rr := range rawRefs {
			ref, err := decodeObjectRef(rr, span)
			if err != nil {
				return nil, err
			}
			cf.InitialDescriptors = append(cf.InitialDescriptors, ref)
		}
	}

	if a, ok := m["alias"]; ok {
		cf.Alias, _ = rawString(a)
	}
	return cf, nil
}

func decodeTransformationalRule(m map[string]json.RawMessage, span Span) (*TransformationalRule, error) {
	cond, err := decodeBoolExpr(m["condition"], span)
	if err != nil {
		return nil, err
	}

	conclusion, err := decodeConclusion(m["conclusion"], span)
	if err != nil {
		return nil, err
	}

	tr := &TransformationalRule{Condition: cond, Conclusion: conclusion, Span: span}
	if a, ok := m["alias"]; ok {
		tr.Alias, _ = rawString(a)
	}
	return tr, nil
}

// decodeConclusion accepts either a literal naming-event shape or a
// has-shaped boolean condition and lowers both to a NamingEvent with
// Gains=true: transformational conclusions are always monotone assertions
// (spec.md §3), so "out"/"gains: false" never appears here.
func decodeConclusion(r json.RawMessage, span Span) (*Event, error) {
	m, ok := rawObject(r)
	if !ok {
		return nil, Schema(span, "transformational rule conclusion must be an object")
	}

	if has(m, "entity", "descriptor") {
		entity, err := decodeObjectRef(m["entity"], span)
		if err != nil {
			return nil, err
		}
		descriptor, err := decodeObjectRef(m["descriptor"], span)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventNaming, Span: span, Entity: entity, Descriptor: descriptor, Gains: true}, nil
	}

	return nil, Schema(span, "transformational rule conclusion matches no known shape: %v", m)
}

func decodeReactiveRule(m map[string]json.RawMessage, span Span) (*ReactiveRule, error) {
	event, hasEvent := m["event"]
	if !hasEvent {
		// spec.md §9: a reactive rule with no event field is rejected as a
		// schema_error rather than treated as "fire on every event".
		return nil, Schema(span, "reactive rule has no 'event' field")
	}
	ev, err := decodeEvent(event, span)
	if err != nil {
		return nil, err
	}

	reaction, err := decodeEvent(m["reaction"], span)
	if err != nil {
		return nil, err
	}

	rr := &ReactiveRule{Event: ev, Reaction: reaction, Span: span}
	if a, ok := m["alias"]; ok {
		rr.Alias, _ = rawString(a)
	}
	return rr, nil
}
