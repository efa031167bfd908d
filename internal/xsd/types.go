package xsd

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// builtinType is one of the XML Schema primitive or derived datatypes.
type builtinType struct {
	name     string
	preserve bool // whitespace is significant
	numeric  bool
	check    func(string) error
}

var (
	ncNameRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9._\-]*$`)
	nameRe    = regexp.MustCompile(`^[A-Za-z_:][A-Za-z0-9._:\-]*$`)
	qNameRe   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9._\-]*:)?[A-Za-z_][A-Za-z0-9._\-]*$`)
	nmtokenRe = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)
	decimalRe = regexp.MustCompile(`^[+-]?([0-9]+(\.[0-9]*)?|\.[0-9]+)$`)
	integerRe = regexp.MustCompile(`^[+-]?[0-9]+$`)
)

func matchRe(re *regexp.Regexp, what string) func(string) error {
	return func(v string) error {
		if !re.MatchString(v) {
			return fmt.Errorf("%q is not a valid %s", v, what)
		}
		return nil
	}
}

func intRange(name string, lo, hi *big.Int) func(string) error {
	return func(v string) error {
		if !integerRe.MatchString(v) {
			return fmt.Errorf("%q is not a valid %s", v, name)
		}
		n, _ := new(big.Int).SetString(strings.TrimPrefix(v, "+"), 10)
		if lo != nil && n.Cmp(lo) < 0 || hi != nil && n.Cmp(hi) > 0 {
			return fmt.Errorf("%q is out of range for %s", v, name)
		}
		return nil
	}
}

func bigInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("xsd: bad integer constant " + s)
	}
	return n
}

var builtins = map[string]*builtinType{}

func init() {
	add := func(t *builtinType) { builtins[t.name] = t }
	anything := func(string) error { return nil }

	add(&builtinType{name: "anySimpleType", preserve: true, check: anything})
	add(&builtinType{name: "string", preserve: true, check: anything})
	add(&builtinType{name: "normalizedString", check: anything})
	add(&builtinType{name: "token", check: anything})
	add(&builtinType{name: "anyURI", check: anything})
	add(&builtinType{name: "Name", check: matchRe(nameRe, "Name")})
	add(&builtinType{name: "NCName", check: matchRe(ncNameRe, "NCName")})
	add(&builtinType{name: "ID", check: matchRe(ncNameRe, "ID")})
	add(&builtinType{name: "IDREF", check: matchRe(ncNameRe, "IDREF")})
	add(&builtinType{name: "QName", check: matchRe(qNameRe, "QName")})
	add(&builtinType{name: "NMTOKEN", check: matchRe(nmtokenRe, "NMTOKEN")})
	add(&builtinType{name: "boolean", check: func(v string) error {
		switch v {
		case "true", "false", "1", "0":
			return nil
		}
		return fmt.Errorf("%q is not a valid boolean", v)
	}})
	add(&builtinType{name: "decimal", numeric: true, check: matchRe(decimalRe, "decimal")})
	for _, name := range []string{"double", "float"} {
		name := name
		add(&builtinType{name: name, numeric: true, check: func(v string) error {
			switch v {
			case "INF", "-INF", "NaN":
				return nil
			}
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return fmt.Errorf("%q is not a valid %s", v, name)
			}
			return nil
		}})
	}

	ranges := []struct {
		name   string
		lo, hi string
	}{
		{"integer", "", ""},
		{"long", "-9223372036854775808", "9223372036854775807"},
		{"int", "-2147483648", "2147483647"},
		{"short", "-32768", "32767"},
		{"byte", "-128", "127"},
		{"nonNegativeInteger", "0", ""},
		{"positiveInteger", "1", ""},
		{"nonPositiveInteger", "", "0"},
		{"negativeInteger", "", "-1"},
		{"unsignedLong", "0", "18446744073709551615"},
		{"unsignedInt", "0", "4294967295"},
		{"unsignedShort", "0", "65535"},
		{"unsignedByte", "0", "255"},
	}
	for _, r := range ranges {
		var lo, hi *big.Int
		if r.lo != "" {
			lo = bigInt(r.lo)
		}
		if r.hi != "" {
			hi = bigInt(r.hi)
		}
		add(&builtinType{name: r.name, numeric: true, check: intRange(r.name, lo, hi)})
	}
}

// simpleType is a builtin or a restriction of another simple type.
type simpleType struct {
	name string
	line int

	builtin *builtinType // set on builtin wrappers only
	base    *simpleType
	baseRef qname

	enums     []string
	patterns  []*regexp.Regexp
	minLength int // -1 when unset
	maxLength int // -1 when unset

	minInclusive, maxInclusive *big.Rat
	minExclusive, maxExclusive *big.Rat

	resolving bool
	resolved  bool
}

func newSimpleType(name string, line int) *simpleType {
	return &simpleType{name: name, line: line, minLength: -1, maxLength: -1}
}

var builtinSimple = map[string]*simpleType{}

func builtinSimpleType(name string) (*simpleType, bool) {
	if st, ok := builtinSimple[name]; ok {
		return st, true
	}
	b, ok := builtins[name]
	if !ok {
		return nil, false
	}
	st := newSimpleType(name, 0)
	st.builtin = b
	st.resolved = true
	builtinSimple[name] = st
	return st, true
}

func init() {
	for name := range builtins {
		builtinSimpleType(name)
	}
}

// root walks the restriction chain to its builtin.
func (t *simpleType) root() *builtinType {
	for cur := t; cur != nil; cur = cur.base {
		if cur.builtin != nil {
			return cur.builtin
		}
	}
	return builtins["anySimpleType"]
}

func (t *simpleType) displayName() string {
	if t.name != "" {
		return t.name
	}
	return "anonymous type"
}

// normalize applies the whitespace rule of the type's builtin.
func (t *simpleType) normalize(raw string) string {
	if t.root().preserve {
		return raw
	}
	return strings.Join(strings.Fields(raw), " ")
}

// validate checks raw against the builtin lexical space and every facet on
// the restriction chain, base first.
func (t *simpleType) validate(raw string) error {
	v := t.normalize(raw)
	root := t.root()
	if err := root.check(v); err != nil {
		return err
	}
	var chain []*simpleType
	for cur := t; cur != nil && cur.builtin == nil; cur = cur.base {
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if err := chain[i].checkFacets(v, root.numeric); err != nil {
			return err
		}
	}
	return nil
}

var errNotNumeric = errors.New("range facet on a non-numeric value")

func (t *simpleType) checkFacets(v string, numeric bool) error {
	if len(t.enums) > 0 {
		found := false
		for _, e := range t.enums {
			if e == v {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%q is not one of [%s]", v, strings.Join(t.enums, ", "))
		}
	}
	if len(t.patterns) > 0 {
		found := false
		for _, re := range t.patterns {
			if re.MatchString(v) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%q does not match the pattern of %s", v, t.displayName())
		}
	}
	n := utf8.RuneCountInString(v)
	if t.minLength >= 0 && n < t.minLength {
		return fmt.Errorf("%q is shorter than %d characters", v, t.minLength)
	}
	if t.maxLength >= 0 && n > t.maxLength {
		return fmt.Errorf("%q is longer than %d characters", v, t.maxLength)
	}
	if t.minInclusive == nil && t.maxInclusive == nil && t.minExclusive == nil && t.maxExclusive == nil {
		return nil
	}
	if !numeric {
		return errNotNumeric
	}
	r, ok := new(big.Rat).SetString(strings.TrimPrefix(v, "+"))
	if !ok {
		return fmt.Errorf("%q is not comparable", v)
	}
	switch {
	case t.minInclusive != nil && r.Cmp(t.minInclusive) < 0:
		return fmt.Errorf("%s is less than %s", v, t.minInclusive.RatString())
	case t.maxInclusive != nil && r.Cmp(t.maxInclusive) > 0:
		return fmt.Errorf("%s is greater than %s", v, t.maxInclusive.RatString())
	case t.minExclusive != nil && r.Cmp(t.minExclusive) <= 0:
		return fmt.Errorf("%s must be greater than %s", v, t.minExclusive.RatString())
	case t.maxExclusive != nil && r.Cmp(t.maxExclusive) >= 0:
		return fmt.Errorf("%s must be less than %s", v, t.maxExclusive.RatString())
	}
	return nil
}
