package module

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"buildweaver/internal/builderr"
)

// Coordinate identifies an external library archive.
type Coordinate struct {
	Group   string
	Name    string
	Version string
}

func (c Coordinate) String() string {
	return c.Group + ":" + c.Name + ":" + c.Version
}

// Key identifies the library regardless of version.
func (c Coordinate) Key() string {
	return c.Group + ":" + c.Name
}

// ParseCoordinate parses "group:name:version".
func ParseCoordinate(s string) (Coordinate, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Coordinate{}, fmt.Errorf("coordinate %q is not group:name:version", s)
	}
	return Coordinate{Group: parts[0], Name: parts[1], Version: parts[2]}, nil
}

// Catalog maps library aliases to coordinates. Bundles name groups of
// aliases.
type Catalog struct {
	Source    string
	Versions  map[string]string
	Libraries map[string]Coordinate
	Bundles   map[string][]string
}

type catalogFile struct {
	Versions  map[string]string         `toml:"versions"`
	Libraries map[string]toml.Primitive `toml:"libraries"`
	Bundles   map[string][]string       `toml:"bundles"`
}

type libraryTable struct {
	Module  string         `toml:"module"`
	Group   string         `toml:"group"`
	Name    string         `toml:"name"`
	Version toml.Primitive `toml:"version"`
}

type versionRef struct {
	Ref string `toml:"ref"`
}

// LoadCatalog reads a TOML catalog:
//
//	[versions]
//	aeron = "1.44.1"
//
//	[libraries]
//	aeron = { module = "io.aeron:aeron-all", version.ref = "aeron" }
//	slf4j = "org.slf4j:slf4j-api:2.0.13"
//
//	[bundles]
//	logging = ["slf4j", "logback"]
func LoadCatalog(path string) (*Catalog, error) {
	var raw catalogFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, &builderr.ConfigurationError{Subject: path, Msg: "loading catalog", Err: err}
	}
	return buildCatalog(path, raw, meta)
}

// ParseCatalog is LoadCatalog for in-memory content.
func ParseCatalog(source, content string) (*Catalog, error) {
	var raw catalogFile
	meta, err := toml.Decode(content, &raw)
	if err != nil {
		return nil, &builderr.ConfigurationError{Subject: source, Msg: "loading catalog", Err: err}
	}
	return buildCatalog(source, raw, meta)
}

func buildCatalog(source string, raw catalogFile, meta toml.MetaData) (*Catalog, error) {
	c := &Catalog{
		Source:    source,
		Versions:  raw.Versions,
		Libraries: make(map[string]Coordinate, len(raw.Libraries)),
		Bundles:   raw.Bundles,
	}
	if c.Versions == nil {
		c.Versions = map[string]string{}
	}
	if c.Bundles == nil {
		c.Bundles = map[string][]string{}
	}

	aliases := make([]string, 0, len(raw.Libraries))
	for alias := range raw.Libraries {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, alias := range aliases {
		coord, err := c.decodeLibrary(meta, alias, raw.Libraries[alias])
		if err != nil {
			return nil, &builderr.ConfigurationError{Subject: source, Msg: "library " + alias, Err: err}
		}
		c.Libraries[alias] = coord
	}

	if key, ok := firstUndecoded(meta); ok {
		return nil, &builderr.UnknownConfigurationKeyError{Key: key, Source: source}
	}

	for name, members := range c.Bundles {
		for _, alias := range members {
			if _, ok := c.Libraries[alias]; !ok {
				return nil, builderr.Configf(source, "bundle %s references unknown library %q", name, alias)
			}
		}
	}
	return c, nil
}

// firstUndecoded returns the first key present in the document that no
// field consumed. Dotted keys inside inline tables are listed by the
// parser under a shortened path that does not exist in the data; those are
// skipped since their real path is checked when the value is decoded.
func firstUndecoded(meta toml.MetaData) (string, bool) {
	for _, key := range meta.Undecoded() {
		if meta.IsDefined(key...) {
			return key.String(), true
		}
	}
	return "", false
}

func (c *Catalog) decodeLibrary(meta toml.MetaData, alias string, prim toml.Primitive) (Coordinate, error) {
	var raw any
	if err := meta.PrimitiveDecode(prim, &raw); err != nil {
		return Coordinate{}, err
	}
	if s, ok := raw.(string); ok {
		return ParseCoordinate(s)
	}

	var tbl libraryTable
	if err := meta.PrimitiveDecode(prim, &tbl); err != nil {
		return Coordinate{}, err
	}
	group, name := tbl.Group, tbl.Name
	if tbl.Module != "" {
		if group != "" || name != "" {
			return Coordinate{}, fmt.Errorf("module and group/name are mutually exclusive")
		}
		parts := strings.Split(tbl.Module, ":")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Coordinate{}, fmt.Errorf("module %q is not group:name", tbl.Module)
		}
		group, name = parts[0], parts[1]
	}
	if group == "" || name == "" {
		return Coordinate{}, fmt.Errorf("module or group and name are required")
	}

	// The version is either a string or a table holding only ref. The
	// parser keeps no type for dotted keys inside inline tables, so the
	// shape is taken from the decoded value.
	if !meta.IsDefined("libraries", alias, "version") {
		return Coordinate{}, fmt.Errorf("version is required")
	}
	var version string
	if err := meta.PrimitiveDecode(tbl.Version, &raw); err != nil {
		return Coordinate{}, err
	}
	switch v := raw.(type) {
	case string:
		version = v
	case map[string]any:
		if len(v) != 1 || !meta.IsDefined("libraries", alias, "version", "ref") {
			return Coordinate{}, fmt.Errorf("version table takes exactly one key, ref")
		}
		var ref versionRef
		if err := meta.PrimitiveDecode(tbl.Version, &ref); err != nil {
			return Coordinate{}, err
		}
		resolved, ok := c.Versions[ref.Ref]
		if !ok {
			return Coordinate{}, fmt.Errorf("unknown version reference %q", ref.Ref)
		}
		version = resolved
	default:
		return Coordinate{}, fmt.Errorf("version must be a string or { ref = ... }")
	}
	if version == "" {
		return Coordinate{}, fmt.Errorf("version is empty")
	}
	return Coordinate{Group: group, Name: name, Version: version}, nil
}

// Library returns the coordinate bound to alias.
func (c *Catalog) Library(alias string) (Coordinate, bool) {
	if c == nil {
		return Coordinate{}, false
	}
	coord, ok := c.Libraries[alias]
	return coord, ok
}

// Bundle returns the aliases of a bundle.
func (c *Catalog) Bundle(name string) ([]string, bool) {
	if c == nil {
		return nil, false
	}
	members, ok := c.Bundles[name]
	return members, ok
}
