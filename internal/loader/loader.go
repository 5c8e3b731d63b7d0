// Package loader implements the program loader (C2 in spec.md §4.2): it
// walks a decoded directives array, registers aliases into a scope stack,
// stores compound frames as templates, resolves imports by textual
// inclusion, and installs everything else into the world store.
package loader

import (
	"os"
	"path/filepath"

	"dpcl/internal/ast"
	"dpcl/internal/store"
)

// Loader walks directives and installs them into a store. SearchPath is
// consulted, in order, to resolve `import` directives against a filesystem
// location (spec.md §6: "resolved against a filesystem search — simple
// textual inclusion").
type Loader struct {
	store      *store.Store
	SearchPath []string

	aliasScope map[ast.ObjectID]map[string]bool // owner -> alias -> declared, for duplicate-alias rejection
	imported   map[string]bool                  // import name -> already spliced, guards cycles
}

func New(s *store.Store, searchPath []string) *Loader {
	return &Loader{
		store:      s,
		SearchPath: searchPath,
		aliasScope: map[ast.ObjectID]map[string]bool{store.RootOwner: {}},
		imported:   map[string]bool{},
	}
}

// LoadResult collects the bare events a program's top-level directives
// inject at load time (spec.md §6), for the caller to Dispatch once
// loading completes.
type LoadResult struct {
	Events []*ast.Event
}

// Load walks directives at the top level (store.RootOwner scope).
func (l *Loader) Load(directives []*ast.Directive) (*LoadResult, error) {
	return l.loadInto(directives, store.RootOwner)
}

func (l *Loader) loadInto(directives []*ast.Directive, owner ast.ObjectID) (*LoadResult, error) {
	result := &LoadResult{}

	for _, d := range directives {
		alias := d.Alias()
		if alias != "" {
			if ast.IsReserved(alias) {
				return nil, ast.Schema(d.Span, "reserved keyword %q cannot be used as an alias", alias)
			}
			if l.aliasScope[owner] == nil {
				l.aliasScope[owner] = map[string]bool{}
			}
			if l.aliasScope[owner][alias] {
				return nil, ast.NameErr(d.Span, "duplicate alias %q in scope", alias)
			}
			l.aliasScope[owner][alias] = true
		}

		switch d.Kind {
		case ast.DirectiveAtomics:
			for _, a := range d.Atomics {
				if ast.IsReserved(a) {
					return nil, ast.Schema(d.Span, "reserved keyword %q cannot be declared atomic", a)
				}
				l.store.AddAtomic(ast.ObjectID(a))
			}

		case ast.DirectivePower:
			if err := l.checkStaticRef(d.Power.Holder, directives); err != nil {
				return nil, err
			}
			l.store.AddFrame(store.FramePower, owner, alias, d.Power, nil, nil, nil)

		case ast.DirectiveDeontic:
			if err := l.checkStaticRef(d.Deontic.Holder, directives); err != nil {
				return nil, err
			}
			l.store.AddFrame(store.FrameDeontic, owner, alias, nil, d.Deontic, nil, nil)

		case ast.DirectiveReactive:
			if d.Reactive.Event == nil {
				return nil, ast.Schema(d.Span, "reactive rule with no event field is rejected")
			}
			l.store.AddFrame(store.FrameReactive, owner, alias, nil, nil, d.Reactive, nil)

		case ast.DirectiveTransformational:
			l.store.AddFrame(store.FrameTransformational, owner, alias, nil, nil, nil, d.Transformational)

		case ast.DirectiveCompound:
			l.store.RegisterTemplate(d.Compound)

		case ast.DirectiveImport:
			if err := l.resolveImport(d.Import); err != nil {
				return nil, err
			}

		case ast.DirectiveEvent:
			result.Events = append(result.Events, d.Event)

		default:
			return nil, ast.Schema(d.Span, "unrecognized directive kind")
		}
	}

	return result, nil
}

// checkStaticRef accepts a holder that is a reserved keyword, an already
// declared atomic, or a name declared as an atomic earlier or later in this
// same directives list (spec.md §4.2: "forward references to siblings
// within the same directives list are permitted"). Every other name is
// accepted too and left for the evaluator to resolve, so it never returns
// an error.
func (l *Loader) checkStaticRef(ref *ast.ObjectRef, siblings []*ast.Directive) error {
	if ref == nil || ref.Kind != ast.RefName {
		return nil
	}
	name := ref.Name
	if ast.IsReserved(name) || name == ast.KeywordHolder {
		return nil
	}
	if l.store.IsAtomic(ast.ObjectID(name)) {
		return nil
	}
	for _, d := range siblings {
		if d.Kind == ast.DirectiveAtomics {
			for _, a := range d.Atomics {
				if a == name {
					return nil
				}
			}
		}
	}
	// Anything else (a compound-frame parameter, a holder bound only at
	// evaluation time) is deferred to C5, per spec.md §4.2.
	return nil
}

func (l *Loader) resolveImport(imp *ast.ImportDirective) error {
	if l.imported[imp.Name] {
		return nil
	}
	l.imported[imp.Name] = true

	var data []byte
	var readErr error
	for _, dir := range l.SearchPath {
		candidate := filepath.Join(dir, imp.Name+".json")
		data, readErr = os.ReadFile(candidate)
		if readErr == nil {
			break
		}
	}
	if readErr != nil {
		return ast.IO("import %q: %v", imp.Name, readErr)
	}

	directives, err := ast.DecodeProgram(data)
	if err != nil {
		return err
	}
	_, err = l.loadInto(directives, store.RootOwner)
	return err
}
