// Package query implements the read-only show API (C7 in spec.md §4.7),
// pretty-printed with lipgloss the way cmd/nerd's ui package styles its
// terminal output.
package query

import (
	"fmt"
	"sort"
	"strings"

	"dpcl/internal/ast"
	"dpcl/internal/store"
	"dpcl/internal/unify"

	"github.com/charmbracelet/lipgloss"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	aliasStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Italic(true)
)

// Show resolves ref against the world and renders it: an entity's atomic
// status and the descriptors it has, or a live instance's bindings and the
// frames it owns. Only relations with the object as the entity are listed;
// relations in which it is the descriptor are not shown. Show changes no
// has-relation, instance, or frame, but resolving a {scope, name} ref
// registers that scoped child as an atomic the first time it is seen.
func Show(ref *ast.ObjectRef, s *store.Store) (string, error) {
	id, ok := unify.Resolve(ref, ast.Environment{}, s)
	if !ok {
		return renderMissing(ref), nil
	}

	var b strings.Builder
	b.WriteString(headingStyle.Render(string(id)))
	b.WriteString("\n")

	if s.IsAtomic(id) {
		b.WriteString(labelStyle.Render("kind: ") + valueStyle.Render("atomic") + "\n")
	}

	if inst, ok := s.Instance(id); ok {
		renderInstance(&b, inst, s)
	}

	descriptors := s.Descriptors(id)
	if len(descriptors) > 0 {
		b.WriteString(labelStyle.Render("has:") + "\n")
		for _, d := range descriptors {
			b.WriteString("  " + valueStyle.Render(string(d)) + "\n")
		}
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

func renderInstance(b *strings.Builder, inst *store.Instance, s *store.Store) {
	b.WriteString(labelStyle.Render("template: ") + valueStyle.Render(inst.Template) + "\n")
	if len(inst.Bindings) > 0 {
		b.WriteString(labelStyle.Render("bindings:") + "\n")
		params := make([]string, 0, len(inst.Bindings))
		for p := range inst.Bindings {
			params = append(params, p)
		}
		// Bindings come out of a Go map: sort before rendering so replayed
		// runs produce byte-identical show output (spec.md §8 invariant 1).
		sort.Strings(params)
		for _, p := range params {
			b.WriteString(fmt.Sprintf("  %s = %s\n", labelStyle.Render(p), valueStyle.Render(string(inst.Bindings[p]))))
		}
	}
	if len(inst.Frames) > 0 {
		b.WriteString(labelStyle.Render("frames:") + "\n")
		for _, fid := range inst.Frames {
			f, ok := s.Frame(fid)
			if !ok {
				continue
			}
			b.WriteString("  " + describeFrame(f) + "\n")
		}
	}
}

func describeFrame(f *store.LiveFrame) string {
	name := f.ID
	if f.Alias != "" {
		name = f.Alias
	}
	kind := ""
	switch f.Kind {
	case store.FramePower:
		kind = string(f.Power.Position)
	case store.FrameDeontic:
		kind = string(f.Deontic.Position)
	case store.FrameReactive:
		kind = "reactive"
	case store.FrameTransformational:
		kind = "transformational"
	}
	return aliasStyle.Render(name) + labelStyle.Render(" (") + valueStyle.Render(kind) + labelStyle.Render(")")
}

func renderMissing(ref *ast.ObjectRef) string {
	return labelStyle.Render("no live object matches ") + valueStyle.Render(ref.String())
}
