// Package store holds the single mutable world (C3 in spec.md §4.3):
// declared atomics, the has(entity, descriptor) relation, the live instance
// arena, and the live frame set. It is the only mutable object the
// evaluator owns for the duration of a cascade.
package store

import (
	"fmt"
	"sort"
	"strconv"

	"dpcl/internal/ast"

	mangleast "github.com/google/mangle/ast"
	"github.com/google/mangle/factstore"
)

// RootOwner is the sentinel owner id for frames and instances declared at
// the top level of a program, rather than owned by a compound instance.
const RootOwner ast.ObjectID = ""

var hasPredicate = mangleast.PredicateSym{Symbol: "has", Arity: 2}

// FrameKind tags the four kinds of frame/rule the store holds live.
type FrameKind int

const (
	FramePower FrameKind = iota
	FrameDeontic
	FrameReactive
	FrameTransformational
)

// LiveFrame is a frame or rule that has been added to the world: either
// declared at the top level, or added by a compound instance's content, or
// produced at runtime by a `plus` of an inline frame literal.
type LiveFrame struct {
	ID    string
	Kind  FrameKind
	Owner ast.ObjectID // RootOwner if not owned by an instance
	Alias string

	Power            *ast.PowerFrame
	Deontic          *ast.DeonticFrame
	Reactive         *ast.ReactiveRule
	Transformational *ast.TransformationalRule

	// lastBool records, per deontic trigger key ("violation",
	// "fulfillment", "termination"), the last-observed boolean value, for
	// edge-triggered (false->true) firing of boolean-shaped triggers
	// (spec.md §9's resolution of that open question).
	lastBool map[string]bool
}

// LastBool reports the previously observed value of a boolean trigger, and
// records newVal for the next check. Used only for deontic frames.
func (f *LiveFrame) LastBool(key string, newVal bool) (prev bool) {
	if f.lastBool == nil {
		f.lastBool = make(map[string]bool, 3)
	}
	prev = f.lastBool[key]
	f.lastBool[key] = newVal
	return prev
}

// Instance is a live creation of a compound-frame template.
type Instance struct {
	ID       ast.ObjectID
	Template string
	Bindings map[string]ast.ObjectID
	Parent   ast.ObjectID // RootOwner if not nested in another instance

	Children []ast.ObjectID // owned child instance ids, for recursive destroy
	Frames   []string       // frame ids owned by this instance
}

// Store is the single mutable world.
type Store struct {
	atomics map[ast.ObjectID]struct{}
	has     factstore.ConcurrentFactStore
	hasBase factstore.FactStoreWithRemove

	templates map[string]*ast.CompoundFrame
	instances map[ast.ObjectID]*Instance

	frames   []*LiveFrame // load order, the order power/reactive matching must respect
	frameIdx map[string]*LiveFrame
	aliases  map[ast.ObjectID]map[string]string // owner -> alias -> frame id

	instanceCounter int
	frameCounter    int
	scopedCounter   int
	scopedIDs       map[string]ast.ObjectID // "scope.name" -> materialized id, memoized

	log Logger
}

// Logger is the minimal structured-logging surface the store needs; it is
// satisfied by logging.StoreAdapter (a thin zap wrapper), kept as an interface
// here so internal/store does not import internal/logging directly.
type Logger interface {
	Debug(msg string, kv ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}

// New creates an empty world store.
func New(log Logger) *Store {
	if log == nil {
		log = nopLogger{}
	}
	base := factstore.NewSimpleInMemoryStore()
	return &Store{
		atomics:   make(map[ast.ObjectID]struct{}),
		has:       factstore.NewConcurrentFactStore(base),
		hasBase:   base,
		templates: make(map[string]*ast.CompoundFrame),
		instances: make(map[ast.ObjectID]*Instance),
		frameIdx:  make(map[string]*LiveFrame),
		aliases:   make(map[ast.ObjectID]map[string]string),
		scopedIDs: make(map[string]ast.ObjectID),
		log:       log,
	}
}

// --- atomics -----------------------------------------------------------

// AddAtomic declares an atomic entity. Returns false if it was already
// declared (declared atomics never disappear, spec.md §8 invariant 2).
func (s *Store) AddAtomic(id ast.ObjectID) bool {
	if _, ok := s.atomics[id]; ok {
		return false
	}
	s.atomics[id] = struct{}{}
	return true
}

// IsAtomic reports whether id was declared via an atomics directive.
func (s *Store) IsAtomic(id ast.ObjectID) bool {
	_, ok := s.atomics[id]
	return ok
}

// IsLive reports whether id names anything the world currently knows
// about: a declared atomic, a live instance, or a materialized scoped
// object.
func (s *Store) IsLive(id ast.ObjectID) bool {
	if s.IsAtomic(id) {
		return true
	}
	if _, ok := s.instances[id]; ok {
		return true
	}
	return false
}

func (s *Store) Atomics() []ast.ObjectID {
	out := make([]ast.ObjectID, 0, len(s.atomics))
	for id := range s.atomics {
		out = append(out, id)
	}
	return out
}

// --- has(entity, descriptor) --------------------------------------------

func atom(entity, descriptor ast.ObjectID) mangleast.Atom {
	e, err1 := mangleast.Name("/" + string(entity))
	d, err2 := mangleast.Name("/" + string(descriptor))
	if err1 != nil || err2 != nil {
		// Names are arbitrary identifiers and the loader does not
		// validate them, so a name mangle rejects as a name constant is
		// stored as a string constant instead.
		return mangleast.Atom{Predicate: hasPredicate, Args: []mangleast.BaseTerm{mangleast.String(string(entity)), mangleast.String(string(descriptor))}}
	}
	return mangleast.Atom{Predicate: hasPredicate, Args: []mangleast.BaseTerm{e, d}}
}

// AssertHas adds the relation has(entity, descriptor). Returns true iff it
// was not already present: descriptor relations are a set, so re-asserting
// an existing relation is a no-op (spec.md §3).
func (s *Store) AssertHas(entity, descriptor ast.ObjectID) bool {
	added := s.has.Add(atom(entity, descriptor))
	if added {
		s.log.Debug("has+", "entity", entity, "descriptor", descriptor)
	}
	return added
}

// RetractHas removes the relation has(entity, descriptor). Returns true iff
// it was present. Removing a missing relation is a no-op (spec.md §3).
func (s *Store) RetractHas(entity, descriptor ast.ObjectID) bool {
	if !s.HasRelation(entity, descriptor) {
		return false
	}
	removed := s.hasBase.Remove(atom(entity, descriptor))
	if removed {
		s.log.Debug("has-", "entity", entity, "descriptor", descriptor)
	}
	return removed
}

// HasRelation reports whether has(entity, descriptor) currently holds.
func (s *Store) HasRelation(entity, descriptor ast.ObjectID) bool {
	return s.has.Contains(atom(entity, descriptor))
}

// Descriptors lists every descriptor entity has, sorted for reproducible
// show output (spec.md §8 invariant 1: identical show output at every
// step of a replayed run). mangle's GetFacts iterates its underlying map in
// unspecified order, so the caller must not rely on it being stable.
func (s *Store) Descriptors(entity ast.ObjectID) []ast.ObjectID {
	var out []ast.ObjectID
	_ = s.has.GetFacts(mangleast.NewQuery(hasPredicate), func(a mangleast.Atom) error {
		if len(a.Args) != 2 {
			return nil
		}
		if constantText(a.Args[0]) == string(entity) {
			out = append(out, ast.ObjectID(constantText(a.Args[1])))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func constantText(t mangleast.BaseTerm) string {
	switch c := t.(type) {
	case mangleast.Constant:
		s := c.String()
		if len(s) > 0 && s[0] == '/' {
			return s[1:]
		}
		return s
	default:
		return fmt.Sprintf("%v", t)
	}
}

// --- compound templates --------------------------------------------------

func (s *Store) RegisterTemplate(cf *ast.CompoundFrame) {
	s.templates[cf.Object] = cf
}

func (s *Store) Template(name string) (*ast.CompoundFrame, bool) {
	t, ok := s.templates[name]
	return t, ok
}

// --- instances -------------------------------------------------------------

// NewInstanceID allocates the next instance id. Deterministic (a monotonic
// counter), never random: spec.md §8 invariant 1 requires replaying the
// same input stream to yield identical world states, which a
// UUID-per-instance scheme would violate.
func (s *Store) NewInstanceID() ast.ObjectID {
	s.instanceCounter++
	return ast.ObjectID("#inst" + strconv.Itoa(s.instanceCounter))
}

// CreateInstance registers a new, empty instance. The caller (the
// evaluator) is responsible for then processing the template's content and
// initial descriptors; Store only owns the arena bookkeeping.
func (s *Store) CreateInstance(template string, bindings map[string]ast.ObjectID, parent ast.ObjectID) *Instance {
	id := s.NewInstanceID()
	inst := &Instance{ID: id, Template: template, Bindings: bindings, Parent: parent}
	s.instances[id] = inst
	if parent != RootOwner {
		if p, ok := s.instances[parent]; ok {
			p.Children = append(p.Children, id)
		}
	}
	s.log.Debug("instance+", "id", id, "template", template)
	return inst
}

func (s *Store) Instance(id ast.ObjectID) (*Instance, bool) {
	inst, ok := s.instances[id]
	return inst, ok
}

// FindInstance resolves a read-only {object, refinement} reference to an
// existing live instance matching template and bindings, per SPEC_FULL.md's
// resolution: reads never create, only `plus` does.
func (s *Store) FindInstance(template string, bindings map[string]ast.ObjectID) (ast.ObjectID, bool) {
	cf, ok := s.templates[template]
	if !ok {
		return "", false
	}
	for id, inst := range s.instances {
		if inst.Template != template {
			continue
		}
		match := true
		for _, p := range cf.Params {
			if inst.Bindings[p] != bindings[p] {
				match = false
				break
			}
		}
		if match {
			return id, true
		}
	}
	return "", false
}

// DestroyInstance removes the instance and recursively destroys every
// instance and frame it owns (spec.md §3's ownership invariant), returning
// every instance id destroyed.
func (s *Store) DestroyInstance(id ast.ObjectID) []ast.ObjectID {
	inst, ok := s.instances[id]
	if !ok {
		return nil
	}

	var destroyed []ast.ObjectID
	for _, child := range append([]ast.ObjectID{}, inst.Children...) {
		destroyed = append(destroyed, s.DestroyInstance(child)...)
	}

	for _, fid := range append([]string{}, inst.Frames...) {
		s.RemoveFrame(fid)
	}

	delete(s.instances, id)
	delete(s.aliases, id)
	destroyed = append(destroyed, id)
	s.log.Debug("instance-", "id", id)
	return destroyed
}

// --- scoped objects ---------------------------------------------------

// MaterializeScoped resolves {scope, name} to a synthetic child entity,
// creating it the first time it is referenced (SPEC_FULL.md §3's
// resolution of scoped-object identity).
func (s *Store) MaterializeScoped(scope ast.ObjectID, name string) ast.ObjectID {
	key := string(scope) + "." + name
	if id, ok := s.scopedIDs[key]; ok {
		return id
	}
	id := ast.ObjectID(key)
	s.scopedIDs[key] = id
	s.AddAtomic(id)
	return id
}

// --- frames ----------------------------------------------------------

func (s *Store) newFrameID() string {
	s.frameCounter++
	return "frame#" + strconv.Itoa(s.frameCounter)
}

// AddFrame adds a live frame to the frame set, in load order, scoped to
// owner (RootOwner for top-level frames). Returns the new frame's id.
func (s *Store) AddFrame(kind FrameKind, owner ast.ObjectID, alias string, power *ast.PowerFrame, deontic *ast.DeonticFrame, reactive *ast.ReactiveRule, transformational *ast.TransformationalRule) string {
	id := s.newFrameID()
	f := &LiveFrame{ID: id, Kind: kind, Owner: owner, Alias: alias, Power: power, Deontic: deontic, Reactive: reactive, Transformational: transformational}
	s.frames = append(s.frames, f)
	s.frameIdx[id] = f

	if owner != RootOwner {
		if inst, ok := s.instances[owner]; ok {
			inst.Frames = append(inst.Frames, id)
		}
	}
	if alias != "" {
		if s.aliases[owner] == nil {
			s.aliases[owner] = make(map[string]string)
		}
		s.aliases[owner][alias] = id
	}
	s.log.Debug("frame+", "id", id, "kind", kind, "alias", alias)
	return id
}

// RemoveFrame removes a live frame (e.g. a duty retiring, or `minus` of a
// frame by alias). Returns whether it was live.
func (s *Store) RemoveFrame(id string) bool {
	f, ok := s.frameIdx[id]
	if !ok {
		return false
	}
	delete(s.frameIdx, id)
	for i, existing := range s.frames {
		if existing.ID == id {
			s.frames = append(s.frames[:i], s.frames[i+1:]...)
			break
		}
	}
	if aliasMap, ok := s.aliases[f.Owner]; ok {
		delete(aliasMap, f.Alias)
	}
	s.log.Debug("frame-", "id", id)
	return true
}

// LiveFrames returns every live frame in load order. Both power matching
// and reactive matching must iterate in this order (spec.md §4.5, §5).
func (s *Store) LiveFrames() []*LiveFrame {
	return s.frames
}

func (s *Store) Frame(id string) (*LiveFrame, bool) {
	f, ok := s.frameIdx[id]
	return f, ok
}

// LookupAlias resolves an alias within owner's scope to a live frame id.
func (s *Store) LookupAlias(owner ast.ObjectID, alias string) (string, bool) {
	m, ok := s.aliases[owner]
	if !ok {
		return "", false
	}
	id, ok := m[alias]
	return id, ok
}

// FrameEnv derives the environment a live frame's own references (self,
// bound parameters) resolve against. Computed lazily from the owning
// instance rather than stored at AddFrame time. Frames the evaluator adds
// have already had these names substituted into their bodies; FrameEnv
// supplies the same bindings again at match time, so the environment a
// match produces still carries self, super, and the parameters.
func (s *Store) FrameEnv(f *LiveFrame) ast.Environment {
	env := ast.Environment{}
	if f.Owner == RootOwner {
		return env
	}
	env["self"] = ast.Binding{Object: f.Owner}
	if inst, ok := s.instances[f.Owner]; ok {
		if inst.Parent != RootOwner {
			env["super"] = ast.Binding{Object: inst.Parent}
		}
		for p, v := range inst.Bindings {
			env[p] = ast.Binding{Object: v}
		}
	}
	return env
}
