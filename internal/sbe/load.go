package sbe

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"buildweaver/internal/builderr"
	"buildweaver/internal/xsd"
)

// HeaderTypeName is the composite every schema must declare as its message
// header.
const HeaderTypeName = "messageHeader"

var headerMembers = []string{"blockLength", "templateId", "schemaId", "version"}

// Load builds the model from a parsed schema document. Semantic problems
// are reported as a *builderr.SchemaValidationError in document order; with
// stopOnFirst only the first is reported.
func Load(file string, doc *xsd.Node, stopOnFirst bool) (*Schema, error) {
	l := &loader{
		stopOnFirst: stopOnFirst,
		s:           &Schema{typesByName: make(map[string]*Type)},
	}
	l.schema(doc)
	if len(l.out) > 0 {
		return nil, &builderr.SchemaValidationError{File: file, Violations: l.out}
	}
	return l.s, nil
}

type loader struct {
	stopOnFirst bool
	out         []builderr.Violation
	s           *Schema
}

func (l *loader) done() bool { return l.stopOnFirst && len(l.out) > 0 }

func (l *loader) report(n *xsd.Node, attr, format string, args ...any) {
	if l.done() {
		return
	}
	path := n.Path()
	if attr != "" {
		path += "/@" + attr
	}
	l.out = append(l.out, builderr.Violation{Path: path, Line: n.Line, Reason: fmt.Sprintf(format, args...)})
}

func (l *loader) intAttr(n *xsd.Node, attr string, def, max int) int {
	v, ok := n.Attr(attr)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || i < 0 || i > max {
		l.report(n, attr, "%q is not an integer in [0, %d]", v, max)
		return def
	}
	return i
}

func (l *loader) schema(doc *xsd.Node) {
	if doc.Name.Local != "messageSchema" {
		l.report(doc, "", "root element is <%s>, want <messageSchema>", doc.Name.Local)
		return
	}
	s := l.s
	s.Package = doc.AttrOr("package", "")
	s.ID = l.intAttr(doc, "id", 0, math.MaxUint16)
	s.Version = l.intAttr(doc, "version", 0, math.MaxUint16)
	s.Description = doc.AttrOr("description", "")
	switch bo := ByteOrder(doc.AttrOr("byteOrder", string(LittleEndian))); bo {
	case LittleEndian, BigEndian:
		s.ByteOrder = bo
	default:
		l.report(doc, "byteOrder", "unknown byte order %q", bo)
	}

	for _, types := range doc.Elements("types") {
		for _, n := range types.Children {
			if l.done() {
				return
			}
			l.declareType(n)
		}
	}
	if l.done() {
		return
	}
	l.checkHeader(doc)

	names := make(map[string]*xsd.Node)
	ids := make(map[int]*xsd.Node)
	for _, n := range doc.Elements("message") {
		if l.done() {
			return
		}
		m := l.message(n)
		if m == nil {
			continue
		}
		if prev, dup := names[m.Name]; dup {
			l.report(n, "name", "duplicate message name %q (first declared at line %d)", m.Name, prev.Line)
			continue
		}
		if prev, dup := ids[m.ID]; dup {
			l.report(n, "id", "duplicate message id %d (first declared by %q at line %d)", m.ID, prev.AttrOr("name", ""), prev.Line)
			continue
		}
		names[m.Name] = n
		ids[m.ID] = n
		s.Messages = append(s.Messages, m)
	}
}

func (l *loader) declareType(n *xsd.Node) {
	var t *Type
	switch n.Name.Local {
	case "type":
		t = l.primitiveType(n)
	case "enum":
		t = l.enumType(n)
	case "composite":
		t = l.compositeType(n)
	default:
		l.report(n, "", "unsupported type declaration <%s>", n.Name.Local)
		return
	}
	if t == nil {
		return
	}
	if Primitive(t.Name).Valid() {
		l.report(n, "name", "type name %q shadows a primitive type", t.Name)
		return
	}
	if _, dup := l.s.typesByName[t.Name]; dup {
		l.report(n, "name", "duplicate type name %q", t.Name)
		return
	}
	l.s.typesByName[t.Name] = t
	l.s.Types = append(l.s.Types, t)
}

func (l *loader) primitiveType(n *xsd.Node) *Type {
	t := &Type{
		Name:              n.AttrOr("name", ""),
		Kind:              KindPrimitive,
		Primitive:         Primitive(n.AttrOr("primitiveType", "")),
		Presence:          Presence(n.AttrOr("presence", string(Required))),
		CharacterEncoding: n.AttrOr("characterEncoding", ""),
	}
	if !t.Primitive.Valid() {
		l.report(n, "primitiveType", "unknown primitive type %q", t.Primitive)
		return nil
	}
	t.Length = l.intAttr(n, "length", 1, math.MaxUint16)
	switch t.Presence {
	case Required, Optional:
	case Constant:
		t.ConstValue = strings.TrimSpace(n.Text)
		if t.ConstValue == "" {
			l.report(n, "", "constant type %q has no value", t.Name)
			return nil
		}
		if err := checkLiteral(t.Primitive, t.Length, t.ConstValue); err != nil {
			l.report(n, "", "constant type %q: %v", t.Name, err)
			return nil
		}
	default:
		l.report(n, "presence", "unknown presence %q", t.Presence)
		return nil
	}
	return t
}

func (l *loader) enumType(n *xsd.Node) *Type {
	t := &Type{Name: n.AttrOr("name", ""), Kind: KindEnum, Length: 1, Presence: Required}
	enc := n.AttrOr("encodingType", "")
	p := Primitive(enc)
	if !p.Valid() {
		if ref, ok := l.s.typesByName[enc]; ok && ref.Kind == KindPrimitive && ref.Length == 1 {
			p = ref.Primitive
		}
	}
	switch p {
	case Char, Int8, Uint8, Int16, Uint16:
	default:
		l.report(n, "encodingType", "enum %q must be encoded as char or an 8 or 16 bit integer, not %q", t.Name, enc)
		return nil
	}
	t.Primitive = p

	seenNames := make(map[string]bool)
	seenValues := make(map[string]bool)
	for _, v := range n.Elements("validValue") {
		ev := EnumValue{Name: v.AttrOr("name", ""), Value: strings.TrimSpace(v.Text)}
		if err := checkLiteral(p, 1, ev.Value); err != nil {
			l.report(v, "", "enum %q value %q: %v", t.Name, ev.Name, err)
			return nil
		}
		if seenNames[ev.Name] {
			l.report(v, "name", "duplicate enum value name %q", ev.Name)
			return nil
		}
		if seenValues[ev.Value] {
			l.report(v, "", "duplicate enum value %q in %q", ev.Value, t.Name)
			return nil
		}
		seenNames[ev.Name] = true
		seenValues[ev.Value] = true
		t.Values = append(t.Values, ev)
	}
	return t
}

func (l *loader) compositeType(n *xsd.Node) *Type {
	t := &Type{Name: n.AttrOr("name", ""), Kind: KindComposite, Length: 1, Presence: Required}
	seen := make(map[string]bool)
	for _, c := range n.Children {
		var m *Type
		switch c.Name.Local {
		case "type":
			m = l.primitiveType(c)
		case "enum":
			m = l.enumType(c)
		default:
			l.report(c, "", "unsupported composite member <%s>", c.Name.Local)
			return nil
		}
		if m == nil {
			return nil
		}
		if seen[m.Name] {
			l.report(c, "name", "duplicate member %q in composite %q", m.Name, t.Name)
			return nil
		}
		seen[m.Name] = true
		t.Members = append(t.Members, m)
	}
	for i, m := range t.Members {
		if m.Kind == KindPrimitive && m.Length == 0 && !(i == len(t.Members)-1 && t.IsVarData()) {
			l.report(n, "", "member %q of %q has zero length outside a var data composite", m.Name, t.Name)
			return nil
		}
	}
	return t
}

func (l *loader) checkHeader(doc *xsd.Node) {
	h, ok := l.s.typesByName[HeaderTypeName]
	if !ok || h.Kind != KindComposite {
		at := doc
		if types := doc.Elements("types"); len(types) > 0 {
			at = types[0]
		}
		l.report(at, "", "schema declares no %q composite", HeaderTypeName)
		return
	}
	for _, name := range headerMembers {
		m, ok := h.Member(name)
		if !ok {
			l.report(doc, "", "%q composite lacks member %q", HeaderTypeName, name)
			return
		}
		if m.Kind != KindPrimitive || m.Length != 1 || !m.Primitive.Unsigned() || m.Primitive == Char || m.Presence == Constant {
			l.report(doc, "", "%q member %q must be an unsigned integer", HeaderTypeName, name)
			return
		}
	}
	l.s.Header = h
}

func (l *loader) message(n *xsd.Node) *Message {
	m := &Message{
		Name:        n.AttrOr("name", ""),
		ID:          l.intAttr(n, "id", 0, math.MaxUint16),
		Description: n.AttrOr("description", ""),
	}
	if m.Name == "" {
		l.report(n, "name", "message has no name")
		return nil
	}

	members := make(map[string]bool)
	offset := 0
	sawData, sawGroup := false, false
	for _, c := range n.Children {
		if l.done() {
			return nil
		}
		name := c.AttrOr("name", "")
		if members[name] {
			l.report(c, "name", "duplicate member %q in message %q", name, m.Name)
			continue
		}
		members[name] = true

		switch c.Name.Local {
		case "field":
			if sawData || sawGroup {
				l.report(c, "", "field %q declared after a data or group member of %q", name, m.Name)
				continue
			}
			f := l.field(c, m, offset)
			if f == nil {
				continue
			}
			offset = f.Offset + f.Type.Size()
			m.Fields = append(m.Fields, f)
		case "group":
			if sawData {
				l.report(c, "", "group %q declared after a data member of %q", name, m.Name)
				continue
			}
			sawGroup = true
			m.Groups = append(m.Groups, name)
		case "data":
			sawData = true
			ref := c.AttrOr("type", "")
			t, ok := l.s.typesByName[ref]
			if !ok {
				l.report(c, "type", "unknown type %q", ref)
				continue
			}
			if !t.IsVarData() {
				l.report(c, "type", "data type %q is not a length and varData composite", ref)
				continue
			}
			m.Data = append(m.Data, &Data{Name: name, ID: l.intAttr(c, "id", 0, math.MaxUint16), Type: t})
		default:
			l.report(c, "", "unsupported message member <%s>", c.Name.Local)
		}
	}

	m.BlockLength = offset
	if v, ok := n.Attr("blockLength"); ok {
		bl := l.intAttr(n, "blockLength", offset, math.MaxUint16)
		if bl < offset {
			l.report(n, "blockLength", "block length %s is smaller than the %d bytes of fields", v, offset)
		}
		m.BlockLength = bl
	}
	return m
}

func (l *loader) field(c *xsd.Node, m *Message, offset int) *Field {
	f := &Field{Name: c.AttrOr("name", ""), ID: l.intAttr(c, "id", 0, math.MaxUint16)}
	ref := c.AttrOr("type", "")
	t, ok := l.s.Type(ref)
	if !ok {
		l.report(c, "type", "unknown type %q", ref)
		return nil
	}
	if t.IsVarData() {
		l.report(c, "type", "field %q uses var data type %q; declare it as <data>", f.Name, ref)
		return nil
	}
	f.Type = t
	f.Offset = offset
	if v, ok := c.Attr("offset"); ok {
		off := l.intAttr(c, "offset", offset, math.MaxUint16)
		if off < offset {
			l.report(c, "offset", "offset %s overlaps the previous field of %q", v, m.Name)
			return nil
		}
		f.Offset = off
	}
	return f
}

// checkLiteral checks that v is a valid value literal for p. Char arrays
// accept any string up to length bytes.
func checkLiteral(p Primitive, length int, v string) error {
	switch {
	case p == Char:
		if length == 1 && len(v) != 1 {
			return fmt.Errorf("%q is not a single character", v)
		}
		if length > 1 && len(v) > length {
			return fmt.Errorf("%q is longer than %d characters", v, length)
		}
		return nil
	case p.Signed():
		_, err := strconv.ParseInt(v, 10, p.Size()*8)
		return err
	case p.Unsigned():
		_, err := strconv.ParseUint(v, 10, p.Size()*8)
		return err
	case p.IsFloat():
		_, err := strconv.ParseFloat(v, p.Size()*8)
		return err
	}
	return fmt.Errorf("unknown primitive %q", p)
}
