// Package xsd parses XML documents into positioned node trees and validates
// them against a restricted subset of W3C XML Schema.
//
// The supported subset covers what message schema dialects need: named and
// anonymous complex and simple types, sequence and choice particles with
// occurrence bounds, attributes with use, default and fixed values, simple
// content extension, complex content extension, and simple type restriction
// by enumeration, pattern, length and inclusive range facets. Other schema
// constructs are rejected when the validation schema is compiled.
package xsd

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"

	"buildweaver/internal/builderr"
)

// Node is one element of a parsed document.
type Node struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Children []*Node
	Parent   *Node

	// Text is the character data directly inside the element.
	Text string

	// Line and Column locate the end of the element's start tag.
	Line   int
	Column int
}

// Parse reads a well-formed XML document. Malformed input yields a
// *builderr.SchemaParseError naming file, line and column.
func Parse(file string, data []byte) (*Node, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	d.Strict = true

	var root, cur *Node
	var text []*strings.Builder
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			line, col := d.InputPos()
			var syn *xml.SyntaxError
			if errors.As(err, &syn) {
				line = syn.Line
				return nil, &builderr.SchemaParseError{File: file, Line: line, Column: col, Msg: syn.Msg}
			}
			return nil, &builderr.SchemaParseError{File: file, Line: line, Column: col, Msg: err.Error()}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			line, col := d.InputPos()
			n := &Node{Name: t.Name, Attrs: append([]xml.Attr(nil), t.Attr...), Parent: cur, Line: line, Column: col}
			if cur == nil {
				if root != nil {
					return nil, &builderr.SchemaParseError{File: file, Line: line, Column: col, Msg: "multiple root elements"}
				}
				root = n
			} else {
				cur.Children = append(cur.Children, n)
			}
			cur = n
			text = append(text, &strings.Builder{})
		case xml.EndElement:
			cur.Text = text[len(text)-1].String()
			text = text[:len(text)-1]
			cur = cur.Parent
		case xml.CharData:
			if cur != nil {
				text[len(text)-1].Write(t)
			} else if len(bytes.TrimSpace(t)) > 0 {
				line, col := d.InputPos()
				return nil, &builderr.SchemaParseError{File: file, Line: line, Column: col, Msg: "character data outside the root element"}
			}
		}
	}
	if root == nil {
		return nil, &builderr.SchemaParseError{File: file, Line: 1, Column: 1, Msg: "document has no root element"}
	}
	return root, nil
}

// Attr returns the value of the unqualified attribute local.
func (n *Node) Attr(local string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Space == "" && a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// AttrOr returns the attribute value or def when absent.
func (n *Node) AttrOr(local, def string) string {
	if v, ok := n.Attr(local); ok {
		return v
	}
	return def
}

// Elements returns the child elements with the given local name.
func (n *Node) Elements(local string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name.Local == local {
			out = append(out, c)
		}
	}
	return out
}

// Path locates n in its document: the root is "/name", every other element
// carries its 1-based position among same-named siblings, as in
// "/messageSchema/message[2]".
func (n *Node) Path() string {
	if n.Parent == nil {
		return "/" + n.Name.Local
	}
	idx := 0
	for _, c := range n.Parent.Children {
		if c.Name.Local == n.Name.Local {
			idx++
		}
		if c == n {
			break
		}
	}
	return n.Parent.Path() + "/" + n.Name.Local + "[" + strconv.Itoa(idx) + "]"
}

// LookupPrefix resolves a namespace prefix in the scope of n. The empty
// prefix resolves the default namespace.
func (n *Node) LookupPrefix(prefix string) (string, bool) {
	for cur := n; cur != nil; cur = cur.Parent {
		for _, a := range cur.Attrs {
			if prefix == "" && a.Name.Space == "" && a.Name.Local == "xmlns" {
				return a.Value, true
			}
			if prefix != "" && a.Name.Space == "xmlns" && a.Name.Local == prefix {
				return a.Value, true
			}
		}
	}
	return "", false
}

// isNamespaceAttr reports attributes that are namespace declarations or
// belong to the xml or xsi vocabularies.
func isNamespaceAttr(a xml.Attr) bool {
	switch {
	case a.Name.Space == "" && a.Name.Local == "xmlns":
		return true
	case a.Name.Space == "xmlns":
		return true
	case a.Name.Space == "xml", a.Name.Space == "http://www.w3.org/XML/1998/namespace":
		return true
	case a.Name.Space == xsiNamespace:
		return true
	}
	return false
}

const (
	xsdNamespace = "http://www.w3.org/2001/XMLSchema"
	xsiNamespace = "http://www.w3.org/2001/XMLSchema-instance"
)
