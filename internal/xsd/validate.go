package xsd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"buildweaver/internal/builderr"
)

// Validate checks doc against the schema. It returns nil or a
// *builderr.SchemaValidationError whose violations are in document order.
// With stopOnFirst the error carries exactly the first violation.
//
// Element names are compared by local name; the namespace is checked on the
// root element only.
func (s *Schema) Validate(file string, doc *Node, stopOnFirst bool) error {
	v := &validator{stopOnFirst: stopOnFirst}
	path := "/" + doc.Name.Local

	decl, ok := s.elements[doc.Name.Local]
	switch {
	case !ok:
		v.report(path, doc.Line, "root element <%s> is not declared by %s", doc.Name.Local, s.File)
	case s.TargetNamespace != "" && doc.Name.Space != s.TargetNamespace:
		v.report(path, doc.Line, "root element namespace %q, want %q", doc.Name.Space, s.TargetNamespace)
	default:
		v.element(decl, doc, path)
	}

	if len(v.out) == 0 {
		return nil
	}
	return &builderr.SchemaValidationError{File: file, Violations: v.out}
}

type validator struct {
	stopOnFirst bool
	out         []builderr.Violation
}

func (v *validator) report(path string, line int, format string, args ...any) {
	if v.done() {
		return
	}
	v.out = append(v.out, builderr.Violation{Path: path, Line: line, Reason: fmt.Sprintf(format, args...)})
}

func (v *validator) done() bool { return v.stopOnFirst && len(v.out) > 0 }

func (v *validator) element(decl *elementDecl, n *Node, path string) {
	switch {
	case decl.simple != nil:
		v.attributes(nil, n, path)
		if len(n.Children) > 0 {
			c := n.Children[0]
			v.report(path+"/"+c.Name.Local, c.Line, "element <%s> must not contain child elements", n.Name.Local)
		}
		if err := decl.simple.validate(n.Text); err != nil {
			v.report(path, n.Line, "invalid content: %v", err)
		}
	case decl.complex != nil:
		v.complex(decl.complex, n, path)
	}
}

func (v *validator) complex(ct *complexType, n *Node, path string) {
	v.attributes(ct, n, path)
	if v.done() {
		return
	}

	if ct.textType != nil {
		if len(n.Children) > 0 {
			c := n.Children[0]
			v.report(path+"/"+c.Name.Local, c.Line, "element <%s> must not contain child elements", n.Name.Local)
			return
		}
		if err := ct.textType.validate(n.Text); err != nil {
			v.report(path, n.Line, "invalid content: %v", err)
		}
		return
	}

	if !ct.mixed && strings.TrimSpace(n.Text) != "" {
		v.report(path, n.Line, "element <%s> must not contain character data", n.Name.Local)
	}

	m := &matcher{children: n.Children, assigned: make([]*elementDecl, len(n.Children)), furthest: -1}
	end, ok := 0, true
	if ct.content != nil {
		end, ok = m.match(ct.content, 0)
	}

	// The structural failure is reported at the point it occurs in the
	// document, after any violations inside earlier children.
	failAt := -1
	if !ok || end < len(n.Children) {
		failAt = end
		if !ok && m.furthest >= 0 {
			failAt = m.furthest
		}
	}

	counts := make(map[string]int)
	for i, c := range n.Children {
		if v.done() {
			return
		}
		counts[c.Name.Local]++
		childPath := path + "/" + c.Name.Local + "[" + strconv.Itoa(counts[c.Name.Local]) + "]"
		if i == failAt {
			if exp := m.expectedAt(i); len(exp) > 0 {
				v.report(childPath, c.Line, "unexpected element <%s>, expected one of %s", c.Name.Local, formatNames(exp))
			} else {
				v.report(childPath, c.Line, "unexpected element <%s>", c.Name.Local)
			}
			return
		}
		if i < end && m.assigned[i] != nil {
			v.element(m.assigned[i], c, childPath)
		}
	}
	if failAt == len(n.Children) {
		exp := m.expectedAt(failAt)
		if len(exp) == 0 {
			v.report(path, n.Line, "element <%s> is incomplete", n.Name.Local)
			return
		}
		v.report(path, n.Line, "missing required element %s", formatNames(exp))
	}
}

func (v *validator) attributes(ct *complexType, n *Node, path string) {
	var decls []*attributeDecl
	anyAttr := false
	if ct != nil {
		decls, anyAttr = ct.attrs, ct.anyAttr
	}
	present := make(map[string]bool, len(n.Attrs))
	for _, a := range n.Attrs {
		if isNamespaceAttr(a) {
			continue
		}
		apath := path + "/@" + a.Name.Local
		if a.Name.Space != "" {
			if !anyAttr {
				v.report(apath, n.Line, "unexpected attribute %q", a.Name.Space+":"+a.Name.Local)
			}
			continue
		}
		present[a.Name.Local] = true
		d := findAttr(decls, a.Name.Local)
		switch {
		case d == nil:
			if !anyAttr {
				v.report(apath, n.Line, "unexpected attribute %q", a.Name.Local)
			}
		case d.prohibit:
			v.report(apath, n.Line, "attribute %q is prohibited", a.Name.Local)
		default:
			if err := d.typ.validate(a.Value); err != nil {
				v.report(apath, n.Line, "invalid value for attribute %q: %v", a.Name.Local, err)
			} else if d.fixed != nil && d.typ.normalize(a.Value) != d.typ.normalize(*d.fixed) {
				v.report(apath, n.Line, "attribute %q must be %q", a.Name.Local, *d.fixed)
			}
		}
	}
	for _, d := range decls {
		if d.required && !present[d.name] {
			v.report(path+"/@"+d.name, n.Line, "missing required attribute %q", d.name)
		}
	}
}

func findAttr(decls []*attributeDecl, name string) *attributeDecl {
	for _, d := range decls {
		if d.name == name {
			return d
		}
	}
	return nil
}

func formatNames(names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = "<" + n + ">"
	}
	return strings.Join(parts, ", ")
}

// matcher assigns child elements to element declarations by greedy,
// non-backtracking traversal of the content model.
type matcher struct {
	children []*Node
	assigned []*elementDecl

	furthest int
	expected map[string]bool
}

func (m *matcher) expect(pos int, name string) {
	if pos > m.furthest {
		m.furthest = pos
		m.expected = make(map[string]bool)
	}
	if pos == m.furthest {
		m.expected[name] = true
	}
}

func (m *matcher) expectedAt(pos int) []string {
	if pos != m.furthest {
		return nil
	}
	out := make([]string, 0, len(m.expected))
	for n := range m.expected {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// match consumes children starting at pos. It returns the new position and
// whether the particle's minimum occurrence was satisfied. On failure the
// position is how far the last attempt got.
func (m *matcher) match(p *particle, pos int) (int, bool) {
	count := 0
	for p.max < 0 || count < p.max {
		next, ok := m.once(p, pos)
		if !ok {
			if count < p.min {
				return next, false
			}
			break
		}
		if next == pos {
			// An empty match satisfies any remaining minimum.
			return pos, true
		}
		pos = next
		count++
	}
	return pos, count >= p.min
}

func (m *matcher) once(p *particle, pos int) (int, bool) {
	switch p.kind {
	case particleElement:
		if pos < len(m.children) && m.children[pos].Name.Local == p.elem.name {
			m.assigned[pos] = p.elem
			return pos + 1, true
		}
		m.expect(pos, p.elem.name)
		return pos, false

	case particleAny:
		if pos < len(m.children) {
			m.assigned[pos] = nil
			return pos + 1, true
		}
		return pos, false

	case particleSequence:
		for _, c := range p.children {
			next, ok := m.match(c, pos)
			if !ok {
				return next, false
			}
			pos = next
		}
		return pos, true

	case particleChoice:
		empty := false
		for _, c := range p.children {
			next, ok := m.match(c, pos)
			if ok && next > pos {
				return next, true
			}
			if ok {
				empty = true
			}
		}
		return pos, empty
	}
	return pos, false
}
