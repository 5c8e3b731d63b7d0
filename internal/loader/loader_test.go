package loader

import (
	"os"
	"path/filepath"
	"testing"

	"dpcl/internal/ast"
	"dpcl/internal/store"
)

func TestLoadInstallsFramesAndCollectsLoadTimeEvents(t *testing.T) {
	s := store.New(nil)
	l := New(s, nil)

	dirs, err := ast.DecodeProgram([]byte(`[
		{"atomics": ["alice", "student"]},
		{"entity": "alice", "descriptor": "student", "gains": true},
		{"position": "power", "holder": "*", "action": {"event": "#register"}, "consequence": {"entity": "holder", "descriptor": "student", "gains": true}, "alias": "register"}
	]`))
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}

	result, err := l.Load(dirs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].Kind != ast.EventNaming {
		t.Fatalf("Events = %+v", result.Events)
	}
	if !s.IsAtomic("alice") {
		t.Error("atomics directive should have installed alice")
	}
	if _, ok := s.LookupAlias(store.RootOwner, "register"); !ok {
		t.Error("power directive should have installed an aliased frame")
	}
}

func TestLoadRejectsDuplicateAlias(t *testing.T) {
	s := store.New(nil)
	l := New(s, nil)
	dirs, err := ast.DecodeProgram([]byte(`[
		{"position": "power", "holder": "*", "action": {"event": "#a"}, "consequence": {"entity": "x", "descriptor": "y", "gains": true}, "alias": "dup"},
		{"position": "power", "holder": "*", "action": {"event": "#b"}, "consequence": {"entity": "x", "descriptor": "y", "gains": true}, "alias": "dup"}
	]`))
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}
	if _, err := l.Load(dirs); err == nil {
		t.Fatal("expected a name_error for a duplicate alias")
	} else if e, ok := err.(*ast.Error); !ok || e.Kind() != ast.NameError {
		t.Errorf("err = %v, want a NameError", err)
	}
}

func TestLoadRejectsReservedAlias(t *testing.T) {
	s := store.New(nil)
	l := New(s, nil)
	dirs, err := ast.DecodeProgram([]byte(`[
		{"position": "power", "holder": "*", "action": {"event": "#a"}, "consequence": {"entity": "x", "descriptor": "y", "gains": true}, "alias": "self"}
	]`))
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}
	if _, err := l.Load(dirs); err == nil {
		t.Fatal("expected a schema error for a reserved alias")
	}
}

func TestResolveImportSplicesDirectivesAndGuardsCycles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "base.json"), []byte(`[{"atomics": ["library"]}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := store.New(nil)
	l := New(s, []string{dir})
	dirs, err := ast.DecodeProgram([]byte(`[{"import": "base"}, {"import": "base"}]`))
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}
	if _, err := l.Load(dirs); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.IsAtomic("library") {
		t.Error("imported atomics should have been installed")
	}
}

func TestResolveImportMissingFileIsIOError(t *testing.T) {
	s := store.New(nil)
	l := New(s, []string{t.TempDir()})
	dirs, err := ast.DecodeProgram([]byte(`[{"import": "missing"}]`))
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}
	if _, err := l.Load(dirs); err == nil {
		t.Fatal("expected an io_error for a missing import")
	} else if e, ok := err.(*ast.Error); !ok || e.Kind() != ast.IOError {
		t.Errorf("err = %v, want an IOError", err)
	}
}
