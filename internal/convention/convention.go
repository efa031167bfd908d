// Package convention merges shared build settings into every module.
//
// A convention is a named set of settings that may extend one other
// convention. The effective settings of a module are its convention chain,
// applied root first, followed by the module's own overrides; each layer
// replaces only the keys it sets.
package convention

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"buildweaver/internal/builderr"
)

const (
	ToolchainVersion       = "toolchain.version"
	ToolchainVendor        = "toolchain.vendor"
	LintTool               = "lint.tool"
	LintVersion            = "lint.version"
	LintMaxWarnings        = "lint.max_warnings"
	TestFramework          = "test.framework"
	TestVersion            = "test.version"
	PackagingClassifier    = "packaging.classifier"
	PackagingDuplicates    = "packaging.duplicates"
	PackagingMainAttribute = "packaging.main_attribute"

	// ManifestPrefix introduces free-form manifest attributes.
	ManifestPrefix = "manifest."
)

var knownKeys = map[string]bool{
	ToolchainVersion:       true,
	ToolchainVendor:        true,
	LintTool:               true,
	LintVersion:            true,
	LintMaxWarnings:        true,
	TestFramework:          true,
	TestVersion:            true,
	PackagingClassifier:    true,
	PackagingDuplicates:    true,
	PackagingMainAttribute: true,
}

// KnownKey reports whether key is a recognised setting.
func KnownKey(key string) bool {
	if knownKeys[key] {
		return true
	}
	attr, ok := strings.CutPrefix(key, ManifestPrefix)
	return ok && validAttribute(attr)
}

// validAttribute follows the manifest attribute name grammar.
func validAttribute(name string) bool {
	if name == "" || len(name) > 70 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Settings are flattened dotted keys.
type Settings map[string]string

func (s Settings) Get(key string) string { return s[key] }

// Int parses an integer setting; ok is false when the key is unset.
func (s Settings) Int(key string) (n int, ok bool, err error) {
	v, set := s[key]
	if !set {
		return 0, false, nil
	}
	n, err = strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, true, nil
}

// Manifest returns the manifest attributes keyed by attribute name.
func (s Settings) Manifest() map[string]string {
	out := make(map[string]string)
	for k, v := range s {
		if attr, ok := strings.CutPrefix(k, ManifestPrefix); ok {
			out[attr] = v
		}
	}
	return out
}

// Keys returns the keys in sorted order.
func (s Settings) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Convention is one named layer.
type Convention struct {
	Name     string
	Extends  string
	Settings map[string]string
}

// Set is a validated collection of conventions.
type Set struct {
	byName map[string]*Convention
	chains map[string][]*Convention
}

// NewSet validates the conventions' keys and resolves every extends chain.
func NewSet(conventions []Convention) (*Set, error) {
	s := &Set{
		byName: make(map[string]*Convention, len(conventions)),
		chains: make(map[string][]*Convention, len(conventions)),
	}
	for i := range conventions {
		c := &conventions[i]
		if c.Name == "" {
			return nil, builderr.Configf("conventions", "convention name is required")
		}
		if _, dup := s.byName[c.Name]; dup {
			return nil, builderr.Configf("conventions", "duplicate convention %q", c.Name)
		}
		if err := checkSettings(c.Settings, "convention "+c.Name); err != nil {
			return nil, err
		}
		s.byName[c.Name] = c
	}

	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		chain, err := s.resolveChain(n)
		if err != nil {
			return nil, err
		}
		s.chains[n] = chain
	}
	return s, nil
}

// resolveChain returns the chain of name, root first.
func (s *Set) resolveChain(name string) ([]*Convention, error) {
	var chain []*Convention
	visited := map[string]bool{}
	var path []string
	for cur := name; cur != ""; {
		c, ok := s.byName[cur]
		if !ok {
			return nil, builderr.Configf("convention "+path[len(path)-1], "extends unknown convention %q", cur)
		}
		path = append(path, cur)
		if visited[cur] {
			return nil, builderr.Configf("conventions", "extends cycle: %s", strings.Join(path, " -> "))
		}
		visited[cur] = true
		chain = append(chain, c)
		cur = c.Extends
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Names returns the convention names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Effective merges the chain of convention (which may be empty) with
// overrides. source names the overriding layer in errors.
func (s *Set) Effective(convention string, overrides map[string]string, source string) (Settings, error) {
	out := Settings{}
	if convention != "" {
		chain, ok := s.chains[convention]
		if !ok {
			return nil, builderr.Configf(source, "unknown convention %q", convention)
		}
		for _, c := range chain {
			for k, v := range c.Settings {
				out[k] = v
			}
		}
	}
	if err := checkSettings(overrides, source); err != nil {
		return nil, err
	}
	for k, v := range overrides {
		out[k] = v
	}
	if err := checkValues(out, source); err != nil {
		return nil, err
	}
	return out, nil
}

func checkSettings(settings map[string]string, source string) error {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !KnownKey(k) {
			return &builderr.UnknownConfigurationKeyError{Key: k, Source: source}
		}
	}
	return nil
}

func checkValues(s Settings, source string) error {
	if n, ok, err := s.Int(LintMaxWarnings); err != nil {
		return &builderr.ConfigurationError{Subject: source, Err: err}
	} else if ok && n < 0 {
		return builderr.Configf(source, "%s must not be negative", LintMaxWarnings)
	}
	if v, ok := s[PackagingDuplicates]; ok {
		switch v {
		case "exclude", "fail":
		default:
			return builderr.Configf(source, "%s: unknown duplicate policy %q", PackagingDuplicates, v)
		}
	}
	return nil
}
