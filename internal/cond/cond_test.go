package cond

import (
	"testing"

	"dpcl/internal/ast"
	"dpcl/internal/store"
)

func TestEvalLiteralAndNegate(t *testing.T) {
	s := store.New(nil)
	lit := &ast.BoolExpr{Kind: ast.BoolLiteral, Literal: true}
	if !Eval(lit, ast.Environment{}, s) {
		t.Error("a true literal should evaluate true")
	}
	neg := &ast.BoolExpr{Kind: ast.BoolNegate, Negate: lit}
	if Eval(neg, ast.Environment{}, s) {
		t.Error("negating a true literal should evaluate false")
	}
}

func TestEvalHasRespectsFlag(t *testing.T) {
	s := store.New(nil)
	s.AddAtomic("alice")
	s.AddAtomic("student")
	s.AssertHas("alice", "student")

	pos := &ast.BoolExpr{Kind: ast.BoolHas, Entity: ast.Name("alice"), Descriptor: ast.Name("student"), HasFlag: true}
	if !Eval(pos, ast.Environment{}, s) {
		t.Error("has:true should be true when the relation holds")
	}
	negFlag := &ast.BoolExpr{Kind: ast.BoolHas, Entity: ast.Name("alice"), Descriptor: ast.Name("student"), HasFlag: false}
	if Eval(negFlag, ast.Environment{}, s) {
		t.Error("has:false should be false when the relation holds")
	}
}

func TestEvalIsTotalOverUnresolvedReferences(t *testing.T) {
	s := store.New(nil)
	expr := &ast.BoolExpr{Kind: ast.BoolHas, Entity: ast.Name("nobody"), Descriptor: ast.Name("nothing"), HasFlag: true}
	if Eval(expr, ast.Environment{}, s) {
		t.Error("an unresolved has-condition must evaluate false, not panic or error")
	}
}

func TestEvalBoolRefExistence(t *testing.T) {
	s := store.New(nil)
	s.AddAtomic("alice")
	if !Eval(&ast.BoolExpr{Kind: ast.BoolRef, Ref: ast.Name("alice")}, ast.Environment{}, s) {
		t.Error("a reference to a live object should be true")
	}
	if Eval(&ast.BoolExpr{Kind: ast.BoolRef, Ref: ast.Name("nobody")}, ast.Environment{}, s) {
		t.Error("a reference to an unresolvable object should be false")
	}
}
