// Package sbe builds the semantic model of a Simple Binary Encoding message
// schema: primitive, enum and composite types, the message header, and the
// messages with their fixed-size fields and variable-length data members.
//
// Documents are expected to have passed structural validation already; the
// model adds the checks a structural schema cannot express.
package sbe

import "fmt"

// Primitive is an SBE primitive encoding type.
type Primitive string

const (
	Char   Primitive = "char"
	Int8   Primitive = "int8"
	Int16  Primitive = "int16"
	Int32  Primitive = "int32"
	Int64  Primitive = "int64"
	Uint8  Primitive = "uint8"
	Uint16 Primitive = "uint16"
	Uint32 Primitive = "uint32"
	Uint64 Primitive = "uint64"
	Float  Primitive = "float"
	Double Primitive = "double"
)

var primitiveSizes = map[Primitive]int{
	Char: 1, Int8: 1, Uint8: 1,
	Int16: 2, Uint16: 2,
	Int32: 4, Uint32: 4, Float: 4,
	Int64: 8, Uint64: 8, Double: 8,
}

// Size returns the encoded width in bytes, or zero for an unknown primitive.
func (p Primitive) Size() int { return primitiveSizes[p] }

// Valid reports whether p names an SBE primitive.
func (p Primitive) Valid() bool {
	_, ok := primitiveSizes[p]
	return ok
}

// Signed reports whether p is a signed integer.
func (p Primitive) Signed() bool {
	switch p {
	case Int8, Int16, Int32, Int64:
		return true
	}
	return false
}

// Unsigned reports whether p is an unsigned integer or char.
func (p Primitive) Unsigned() bool {
	switch p {
	case Char, Uint8, Uint16, Uint32, Uint64:
		return true
	}
	return false
}

// IsFloat reports whether p is a floating point type.
func (p Primitive) IsFloat() bool { return p == Float || p == Double }

// ByteOrder of every multi-byte value in a schema.
type ByteOrder string

const (
	LittleEndian ByteOrder = "littleEndian"
	BigEndian    ByteOrder = "bigEndian"
)

// Presence of a type's value.
type Presence string

const (
	Required Presence = "required"
	Optional Presence = "optional"
	Constant Presence = "constant"
)

// TypeKind distinguishes the declaration forms inside <types>.
type TypeKind int

const (
	KindPrimitive TypeKind = iota
	KindEnum
	KindComposite
)

func (k TypeKind) String() string {
	switch k {
	case KindPrimitive:
		return "type"
	case KindEnum:
		return "enum"
	case KindComposite:
		return "composite"
	}
	return fmt.Sprintf("TypeKind(%d)", int(k))
}

// EnumValue is one validValue of an enum.
type EnumValue struct {
	Name  string
	Value string
}

// Type is a named encoding type.
type Type struct {
	Name string
	Kind TypeKind

	// KindPrimitive. Length above one is a fixed array; zero marks the
	// variable tail of a var data composite.
	Primitive         Primitive
	Length            int
	Presence          Presence
	ConstValue        string
	CharacterEncoding string

	// KindEnum encodes as Primitive.
	Values []EnumValue

	// KindComposite.
	Members []*Type
}

// Size returns the encoded width of the type in a fixed block.
func (t *Type) Size() int {
	switch t.Kind {
	case KindComposite:
		n := 0
		for _, m := range t.Members {
			n += m.Size()
		}
		return n
	case KindEnum:
		return t.Primitive.Size()
	}
	if t.Presence == Constant {
		return 0
	}
	return t.Primitive.Size() * t.Length
}

// Member returns the composite member with the given name.
func (t *Type) Member(name string) (*Type, bool) {
	for _, m := range t.Members {
		if m.Name == name {
			return m, true
		}
	}
	return nil, false
}

// IsVarData reports whether t is a composite shaped as length + varData.
func (t *Type) IsVarData() bool {
	if t.Kind != KindComposite || len(t.Members) != 2 {
		return false
	}
	length, data := t.Members[0], t.Members[1]
	return length.Name == "length" && length.Kind == KindPrimitive && length.Primitive.Unsigned() && length.Primitive != Char &&
		data.Name == "varData" && data.Kind == KindPrimitive && data.Length == 0
}

// Field is a fixed-size member of a message's root block.
type Field struct {
	Name   string
	ID     int
	Type   *Type
	Offset int
}

// Data is a variable-length member encoded after the root block.
type Data struct {
	Name string
	ID   int
	Type *Type
}

// Message is one message template.
type Message struct {
	Name        string
	ID          int
	Description string
	BlockLength int
	Fields      []*Field
	Data        []*Data

	// Groups names repeating groups, which the in-process generator does
	// not support.
	Groups []string
}

// Schema is a loaded message schema.
type Schema struct {
	Package     string
	ID          int
	Version     int
	ByteOrder   ByteOrder
	Description string

	Types    []*Type // declaration order
	Header   *Type
	Messages []*Message

	typesByName map[string]*Type
}

// Type returns a declared type or a primitive by name.
func (s *Schema) Type(name string) (*Type, bool) {
	if t, ok := s.typesByName[name]; ok {
		return t, true
	}
	if p := Primitive(name); p.Valid() {
		return &Type{Name: name, Kind: KindPrimitive, Primitive: p, Length: 1, Presence: Required}, true
	}
	return nil, false
}

// HeaderSize returns the encoded width of the message header.
func (s *Schema) HeaderSize() int {
	if s.Header == nil {
		return 0
	}
	return s.Header.Size()
}
