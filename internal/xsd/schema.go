package xsd

import (
	"fmt"
	"math/big"
	"os"
	"regexp"
	"strconv"
	"strings"

	"buildweaver/internal/builderr"
)

// Schema is a compiled validation schema.
type Schema struct {
	File            string
	TargetNamespace string

	elements     map[string]*elementDecl
	complexTypes map[string]*complexType
	simpleTypes  map[string]*simpleType
}

type qname struct {
	space string
	local string
	set   bool
}

type elementDecl struct {
	name string
	line int

	typeRef qname
	simple  *simpleType
	complex *complexType
	ref     qname // local element referencing a top-level declaration
}

type particleKind int

const (
	particleElement particleKind = iota
	particleSequence
	particleChoice
	particleAny
)

type particle struct {
	kind     particleKind
	elem     *elementDecl
	children []*particle
	min, max int // max < 0 means unbounded
}

type attributeDecl struct {
	name     string
	typ      *simpleType
	typeRef  qname
	required bool
	prohibit bool
	fixed    *string
	def      *string
}

type complexType struct {
	name  string
	line  int
	mixed bool

	content  *particle
	attrs    []*attributeDecl
	anyAttr  bool
	textType *simpleType // simple content

	baseRef     qname
	simpleBased bool // simpleContent extension

	resolving bool
	resolved  bool
}

// Load reads, parses and compiles a validation schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &builderr.ConfigurationError{Subject: path, Msg: "cannot read validation schema", Err: err}
	}
	root, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	return Compile(path, root)
}

// Compile builds a Schema from a parsed xs:schema document. Constructs
// outside the supported subset and unresolvable references are
// configuration errors.
func Compile(file string, root *Node) (*Schema, error) {
	c := &compiler{
		file: file,
		s: &Schema{
			File:         file,
			elements:     make(map[string]*elementDecl),
			complexTypes: make(map[string]*complexType),
			simpleTypes:  make(map[string]*simpleType),
		},
	}
	if root.Name.Space != xsdNamespace || root.Name.Local != "schema" {
		return nil, c.errorf(root, "root element is not an XML Schema schema")
	}
	c.s.TargetNamespace = root.AttrOr("targetNamespace", "")

	// Named types first so element declarations can reference them in any
	// order.
	for _, n := range root.Children {
		if !c.isXSD(n) {
			return nil, c.errorf(n, "unexpected element %s in schema", n.Name.Local)
		}
		switch n.Name.Local {
		case "complexType", "simpleType":
			name, ok := n.Attr("name")
			if !ok || name == "" {
				return nil, c.errorf(n, "top-level %s requires a name", n.Name.Local)
			}
			if _, dup := c.s.complexTypes[name]; dup {
				return nil, c.errorf(n, "duplicate type %q", name)
			}
			if _, dup := c.s.simpleTypes[name]; dup {
				return nil, c.errorf(n, "duplicate type %q", name)
			}
			if n.Name.Local == "complexType" {
				c.s.complexTypes[name] = &complexType{name: name, line: n.Line}
			} else {
				c.s.simpleTypes[name] = newSimpleType(name, n.Line)
			}
		}
	}

	for _, n := range root.Children {
		var err error
		switch n.Name.Local {
		case "annotation":
		case "complexType":
			err = c.fillComplexType(c.s.complexTypes[n.AttrOr("name", "")], n)
		case "simpleType":
			err = c.fillSimpleType(c.s.simpleTypes[n.AttrOr("name", "")], n)
		case "element":
			var d *elementDecl
			d, err = c.element(n, true)
			if err == nil {
				if _, dup := c.s.elements[d.name]; dup {
					err = c.errorf(n, "duplicate element %q", d.name)
				}
				c.s.elements[d.name] = d
			}
		default:
			err = c.unsupported(n)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := c.resolve(); err != nil {
		return nil, err
	}
	return c.s, nil
}

type compiler struct {
	file string
	s    *Schema

	elementDecls []*elementDecl
	attrDecls    []*attributeDecl
	anonSimple   []*simpleType
	anonComplex  []*complexType
	declLines    map[*attributeDecl]int
}

func (c *compiler) errorf(n *Node, format string, args ...any) error {
	return &builderr.ConfigurationError{
		Subject: c.file,
		Msg:     fmt.Sprintf("line %d: %s", n.Line, fmt.Sprintf(format, args...)),
	}
}

func (c *compiler) unsupported(n *Node) error {
	return c.errorf(n, "unsupported schema construct xs:%s", n.Name.Local)
}

func (c *compiler) isXSD(n *Node) bool { return n.Name.Space == xsdNamespace }

// qnameAttr resolves a QName-valued attribute in the scope of n.
func (c *compiler) qnameAttr(n *Node, attr string) (qname, error) {
	v, ok := n.Attr(attr)
	if !ok {
		return qname{}, nil
	}
	v = strings.TrimSpace(v)
	prefix, local := "", v
	if i := strings.IndexByte(v, ':'); i >= 0 {
		prefix, local = v[:i], v[i+1:]
	}
	if local == "" {
		return qname{}, c.errorf(n, "empty %s reference", attr)
	}
	space, found := n.LookupPrefix(prefix)
	if !found && prefix != "" {
		return qname{}, c.errorf(n, "undeclared namespace prefix %q in %s=%q", prefix, attr, v)
	}
	return qname{space: space, local: local, set: true}, nil
}

func (c *compiler) occurs(n *Node) (int, int, error) {
	min, max := 1, 1
	if v, ok := n.Attr("minOccurs"); ok {
		m, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || m < 0 {
			return 0, 0, c.errorf(n, "invalid minOccurs %q", v)
		}
		min = m
	}
	if v, ok := n.Attr("maxOccurs"); ok {
		v = strings.TrimSpace(v)
		if v == "unbounded" {
			max = -1
		} else {
			m, err := strconv.Atoi(v)
			if err != nil || m < 0 {
				return 0, 0, c.errorf(n, "invalid maxOccurs %q", v)
			}
			max = m
		}
	}
	if max >= 0 && max < min {
		return 0, 0, c.errorf(n, "maxOccurs %d is less than minOccurs %d", max, min)
	}
	return min, max, nil
}

func (c *compiler) element(n *Node, topLevel bool) (*elementDecl, error) {
	d := &elementDecl{line: n.Line}
	ref, err := c.qnameAttr(n, "ref")
	if err != nil {
		return nil, err
	}
	if ref.set {
		if topLevel {
			return nil, c.errorf(n, "top-level element cannot use ref")
		}
		d.ref = ref
		d.name = ref.local
		c.elementDecls = append(c.elementDecls, d)
		return d, nil
	}

	name, ok := n.Attr("name")
	if !ok || name == "" {
		return nil, c.errorf(n, "element requires a name or ref")
	}
	d.name = name
	if d.typeRef, err = c.qnameAttr(n, "type"); err != nil {
		return nil, err
	}

	for _, ch := range n.Children {
		if !c.isXSD(ch) {
			return nil, c.errorf(ch, "unexpected element %s in element %q", ch.Name.Local, name)
		}
		switch ch.Name.Local {
		case "annotation":
		case "complexType":
			if d.typeRef.set || d.simple != nil || d.complex != nil {
				return nil, c.errorf(ch, "element %q declares more than one type", name)
			}
			ct := &complexType{line: ch.Line}
			if err := c.fillComplexType(ct, ch); err != nil {
				return nil, err
			}
			c.anonComplex = append(c.anonComplex, ct)
			d.complex = ct
		case "simpleType":
			if d.typeRef.set || d.simple != nil || d.complex != nil {
				return nil, c.errorf(ch, "element %q declares more than one type", name)
			}
			st := newSimpleType("", ch.Line)
			if err := c.fillSimpleType(st, ch); err != nil {
				return nil, err
			}
			c.anonSimple = append(c.anonSimple, st)
			d.simple = st
		default:
			return nil, c.unsupported(ch)
		}
	}
	c.elementDecls = append(c.elementDecls, d)
	return d, nil
}

func (c *compiler) fillComplexType(ct *complexType, n *Node) error {
	ct.mixed = n.AttrOr("mixed", "false") == "true"
	for _, ch := range n.Children {
		if !c.isXSD(ch) {
			return c.errorf(ch, "unexpected element %s in complexType", ch.Name.Local)
		}
		switch ch.Name.Local {
		case "annotation":
		case "sequence", "choice":
			if ct.content != nil {
				return c.errorf(ch, "complexType has more than one content model")
			}
			p, err := c.group(ch)
			if err != nil {
				return err
			}
			ct.content = p
		case "attribute":
			a, err := c.attribute(ch)
			if err != nil {
				return err
			}
			ct.attrs = append(ct.attrs, a)
		case "anyAttribute":
			ct.anyAttr = true
		case "simpleContent", "complexContent":
			if err := c.derivedContent(ct, ch); err != nil {
				return err
			}
		default:
			return c.unsupported(ch)
		}
	}
	return nil
}

func (c *compiler) derivedContent(ct *complexType, n *Node) error {
	var ext *Node
	for _, ch := range n.Children {
		switch {
		case c.isXSD(ch) && ch.Name.Local == "annotation":
		case c.isXSD(ch) && ch.Name.Local == "extension" && ext == nil:
			ext = ch
		default:
			return c.unsupported(ch)
		}
	}
	if ext == nil {
		return c.errorf(n, "%s requires an extension", n.Name.Local)
	}
	base, err := c.qnameAttr(ext, "base")
	if err != nil {
		return err
	}
	if !base.set {
		return c.errorf(ext, "extension requires a base")
	}
	ct.baseRef = base
	ct.simpleBased = n.Name.Local == "simpleContent"

	for _, ch := range ext.Children {
		if !c.isXSD(ch) {
			return c.errorf(ch, "unexpected element %s in extension", ch.Name.Local)
		}
		switch ch.Name.Local {
		case "annotation":
		case "attribute":
			a, err := c.attribute(ch)
			if err != nil {
				return err
			}
			ct.attrs = append(ct.attrs, a)
		case "anyAttribute":
			ct.anyAttr = true
		case "sequence", "choice":
			if ct.simpleBased {
				return c.errorf(ch, "simpleContent cannot declare child elements")
			}
			if ct.content != nil {
				return c.errorf(ch, "extension has more than one content model")
			}
			p, err := c.group(ch)
			if err != nil {
				return err
			}
			ct.content = p
		default:
			return c.unsupported(ch)
		}
	}
	return nil
}

func (c *compiler) group(n *Node) (*particle, error) {
	min, max, err := c.occurs(n)
	if err != nil {
		return nil, err
	}
	p := &particle{min: min, max: max, kind: particleSequence}
	if n.Name.Local == "choice" {
		p.kind = particleChoice
	}
	for _, ch := range n.Children {
		if !c.isXSD(ch) {
			return nil, c.errorf(ch, "unexpected element %s in %s", ch.Name.Local, n.Name.Local)
		}
		switch ch.Name.Local {
		case "annotation":
		case "element":
			cmin, cmax, err := c.occurs(ch)
			if err != nil {
				return nil, err
			}
			d, err := c.element(ch, false)
			if err != nil {
				return nil, err
			}
			p.children = append(p.children, &particle{kind: particleElement, elem: d, min: cmin, max: cmax})
		case "sequence", "choice":
			sub, err := c.group(ch)
			if err != nil {
				return nil, err
			}
			p.children = append(p.children, sub)
		case "any":
			cmin, cmax, err := c.occurs(ch)
			if err != nil {
				return nil, err
			}
			p.children = append(p.children, &particle{kind: particleAny, min: cmin, max: cmax})
		default:
			return nil, c.unsupported(ch)
		}
	}
	return p, nil
}

func (c *compiler) attribute(n *Node) (*attributeDecl, error) {
	name, ok := n.Attr("name")
	if !ok || name == "" {
		return nil, c.errorf(n, "attribute requires a name")
	}
	a := &attributeDecl{name: name}
	var err error
	if a.typeRef, err = c.qnameAttr(n, "type"); err != nil {
		return nil, err
	}
	switch use := n.AttrOr("use", "optional"); use {
	case "optional":
	case "required":
		a.required = true
	case "prohibited":
		a.prohibit = true
	default:
		return nil, c.errorf(n, "invalid use %q on attribute %q", use, name)
	}
	if v, ok := n.Attr("default"); ok {
		a.def = &v
	}
	if v, ok := n.Attr("fixed"); ok {
		a.fixed = &v
	}
	if a.def != nil && a.required {
		return nil, c.errorf(n, "required attribute %q cannot have a default", name)
	}
	for _, ch := range n.Children {
		switch {
		case c.isXSD(ch) && ch.Name.Local == "annotation":
		case c.isXSD(ch) && ch.Name.Local == "simpleType":
			if a.typeRef.set || a.typ != nil {
				return nil, c.errorf(ch, "attribute %q declares more than one type", name)
			}
			st := newSimpleType("", ch.Line)
			if err := c.fillSimpleType(st, ch); err != nil {
				return nil, err
			}
			c.anonSimple = append(c.anonSimple, st)
			a.typ = st
		default:
			return nil, c.unsupported(ch)
		}
	}
	if c.declLines == nil {
		c.declLines = make(map[*attributeDecl]int)
	}
	c.declLines[a] = n.Line
	c.attrDecls = append(c.attrDecls, a)
	return a, nil
}

func (c *compiler) fillSimpleType(st *simpleType, n *Node) error {
	var restr *Node
	for _, ch := range n.Children {
		switch {
		case c.isXSD(ch) && ch.Name.Local == "annotation":
		case c.isXSD(ch) && ch.Name.Local == "restriction" && restr == nil:
			restr = ch
		default:
			return c.unsupported(ch)
		}
	}
	if restr == nil {
		return c.errorf(n, "simpleType requires a restriction")
	}
	var err error
	if st.baseRef, err = c.qnameAttr(restr, "base"); err != nil {
		return err
	}

	for _, f := range restr.Children {
		if !c.isXSD(f) {
			return c.errorf(f, "unexpected element %s in restriction", f.Name.Local)
		}
		value, hasValue := f.Attr("value")
		if f.Name.Local != "annotation" && f.Name.Local != "simpleType" && !hasValue {
			return c.errorf(f, "facet %s requires a value", f.Name.Local)
		}
		switch f.Name.Local {
		case "annotation":
		case "simpleType":
			if st.baseRef.set || st.base != nil {
				return c.errorf(f, "restriction declares more than one base")
			}
			inner := newSimpleType("", f.Line)
			if err := c.fillSimpleType(inner, f); err != nil {
				return err
			}
			c.anonSimple = append(c.anonSimple, inner)
			st.base = inner
		case "enumeration":
			st.enums = append(st.enums, value)
		case "pattern":
			re, err := regexp.Compile("^(?:" + value + ")$")
			if err != nil {
				return c.errorf(f, "unsupported pattern %q: %v", value, err)
			}
			st.patterns = append(st.patterns, re)
		case "length", "minLength", "maxLength":
			v, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || v < 0 {
				return c.errorf(f, "invalid %s %q", f.Name.Local, value)
			}
			switch f.Name.Local {
			case "length":
				st.minLength, st.maxLength = v, v
			case "minLength":
				st.minLength = v
			default:
				st.maxLength = v
			}
		case "minInclusive", "maxInclusive", "minExclusive", "maxExclusive":
			r, ok := new(big.Rat).SetString(strings.TrimSpace(value))
			if !ok {
				return c.errorf(f, "invalid %s %q", f.Name.Local, value)
			}
			switch f.Name.Local {
			case "minInclusive":
				st.minInclusive = r
			case "maxInclusive":
				st.maxInclusive = r
			case "minExclusive":
				st.minExclusive = r
			default:
				st.maxExclusive = r
			}
		case "whiteSpace":
		default:
			return c.unsupported(f)
		}
	}
	if !st.baseRef.set && st.base == nil {
		return c.errorf(restr, "restriction requires a base")
	}
	return nil
}

// resolve binds every type and element reference and flattens extensions.
func (c *compiler) resolve() error {
	for _, st := range c.s.simpleTypes {
		if err := c.resolveSimple(st); err != nil {
			return err
		}
	}
	for _, st := range c.anonSimple {
		if err := c.resolveSimple(st); err != nil {
			return err
		}
	}
	for _, a := range c.attrDecls {
		if a.typ == nil {
			if !a.typeRef.set {
				a.typ, _ = builtinSimpleType("anySimpleType")
				continue
			}
			st, err := c.lookupSimple(a.typeRef, c.declLines[a])
			if err != nil {
				return err
			}
			a.typ = st
		}
		if err := c.checkDefault(a); err != nil {
			return err
		}
	}
	for _, ct := range c.s.complexTypes {
		if err := c.resolveComplex(ct); err != nil {
			return err
		}
	}
	for _, ct := range c.anonComplex {
		if err := c.resolveComplex(ct); err != nil {
			return err
		}
	}
	for _, d := range c.elementDecls {
		if d.ref.set {
			target, ok := c.s.elements[d.ref.local]
			if !ok {
				return c.lineErrorf(d.line, "element reference %q is not declared", d.ref.local)
			}
			*d = elementDecl{name: target.name, line: d.line, simple: target.simple, complex: target.complex, typeRef: target.typeRef}
		}
	}
	for _, d := range c.elementDecls {
		if d.simple != nil || d.complex != nil || !d.typeRef.set {
			continue
		}
		if d.typeRef.space == xsdNamespace && d.typeRef.local == "anyType" {
			continue
		}
		if ct, ok := c.s.complexTypes[d.typeRef.local]; ok && d.typeRef.space != xsdNamespace {
			d.complex = ct
			continue
		}
		st, err := c.lookupSimple(d.typeRef, d.line)
		if err != nil {
			return err
		}
		d.simple = st
	}
	return nil
}

func (c *compiler) lineErrorf(line int, format string, args ...any) error {
	return &builderr.ConfigurationError{
		Subject: c.file,
		Msg:     fmt.Sprintf("line %d: %s", line, fmt.Sprintf(format, args...)),
	}
}

func (c *compiler) lookupSimple(ref qname, line int) (*simpleType, error) {
	if ref.space == xsdNamespace {
		if st, ok := builtinSimpleType(ref.local); ok {
			return st, nil
		}
		return nil, c.lineErrorf(line, "unsupported builtin type xs:%s", ref.local)
	}
	if st, ok := c.s.simpleTypes[ref.local]; ok {
		return st, nil
	}
	if _, ok := c.s.complexTypes[ref.local]; ok {
		return nil, c.lineErrorf(line, "type %q is complex where a simple type is required", ref.local)
	}
	return nil, c.lineErrorf(line, "type %q is not declared", ref.local)
}

func (c *compiler) resolveSimple(st *simpleType) error {
	if st.resolved {
		return nil
	}
	if st.resolving {
		return c.lineErrorf(st.line, "simple type %q derives from itself", st.displayName())
	}
	st.resolving = true
	defer func() { st.resolving = false }()

	if st.base == nil {
		base, err := c.lookupSimple(st.baseRef, st.line)
		if err != nil {
			return err
		}
		st.base = base
	}
	if err := c.resolveSimple(st.base); err != nil {
		return err
	}
	for _, e := range st.enums {
		if err := st.base.validate(e); err != nil {
			return c.lineErrorf(st.line, "enumeration value of %s: %v", st.displayName(), err)
		}
	}
	st.resolved = true
	return nil
}

func (c *compiler) checkDefault(a *attributeDecl) error {
	for _, v := range []*string{a.def, a.fixed} {
		if v == nil {
			continue
		}
		if err := a.typ.validate(*v); err != nil {
			return c.lineErrorf(c.declLines[a], "attribute %q: %v", a.name, err)
		}
	}
	return nil
}

func (c *compiler) resolveComplex(ct *complexType) error {
	if ct.resolved {
		return nil
	}
	if ct.resolving {
		return c.lineErrorf(ct.line, "complex type %q extends itself", ct.name)
	}
	ct.resolving = true
	defer func() { ct.resolving = false }()

	if ct.baseRef.set {
		base, isComplex := c.s.complexTypes[ct.baseRef.local]
		if ct.baseRef.space == xsdNamespace {
			isComplex = false
		}
		switch {
		case isComplex:
			if err := c.resolveComplex(base); err != nil {
				return err
			}
			if ct.simpleBased && base.textType == nil {
				return c.lineErrorf(ct.line, "simpleContent base %q has no simple content", base.name)
			}
			if !ct.simpleBased && base.textType != nil {
				return c.lineErrorf(ct.line, "complexContent base %q has simple content", base.name)
			}
			ct.textType = base.textType
			ct.attrs = append(append([]*attributeDecl(nil), base.attrs...), ct.attrs...)
			ct.anyAttr = ct.anyAttr || base.anyAttr
			ct.mixed = ct.mixed || base.mixed
			switch {
			case base.content == nil:
			case ct.content == nil:
				ct.content = base.content
			default:
				ct.content = &particle{kind: particleSequence, min: 1, max: 1, children: []*particle{base.content, ct.content}}
			}
		case ct.simpleBased:
			st, err := c.lookupSimple(ct.baseRef, ct.line)
			if err != nil {
				return err
			}
			ct.textType = st
		default:
			return c.lineErrorf(ct.line, "complexContent base %q is not a complex type", ct.baseRef.local)
		}
	}

	seen := make(map[string]bool, len(ct.attrs))
	for _, a := range ct.attrs {
		if seen[a.name] {
			return c.lineErrorf(ct.line, "attribute %q declared twice", a.name)
		}
		seen[a.name] = true
	}
	ct.resolved = true
	return nil
}
