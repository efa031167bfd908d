package build

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"buildweaver/internal/builderr"
)

// DefinitionNames are the file names FindDefinition looks for, in order.
var DefinitionNames = []string{"buildweaver.yaml", "buildweaver.yml", "buildweaver.jsonc", "buildweaver.json"}

// Definition is the build description of a project.
type Definition struct {
	Project string `yaml:"project" json:"project"`
	Version string `yaml:"version" json:"version"`

	// Catalog is the TOML library catalog, relative to the project root.
	Catalog string `yaml:"catalog" json:"catalog"`
	// Repository holds library archives laid out as
	// <group path>/<name>/<version>/<name>-<version>.jar.
	Repository string `yaml:"repository" json:"repository"`

	// Properties are project property defaults; -P flags override them.
	Properties map[string]string `yaml:"properties" json:"properties"`

	Conventions []ConventionDef         `yaml:"conventions" json:"conventions"`
	Modules     []ModuleDef             `yaml:"modules" json:"modules"`
	Generators  map[string]GeneratorDef `yaml:"generators" json:"generators"`
}

type ConventionDef struct {
	Name     string            `yaml:"name" json:"name"`
	Extends  string            `yaml:"extends" json:"extends"`
	Settings map[string]string `yaml:"settings" json:"settings"`
}

type ModuleDef struct {
	Name string `yaml:"name" json:"name"`
	// Dir defaults to the module name.
	Dir        string `yaml:"dir" json:"dir"`
	Convention string `yaml:"convention" json:"convention"`
	EntryPoint string `yaml:"entry_point" json:"entry_point"`
	EnabledBy  string `yaml:"enabled_by" json:"enabled_by"`
	// Package requests a bundle. Unset means "when an entry point is
	// declared".
	Package *bool `yaml:"package" json:"package"`
	// Sources are directories relative to Dir; default ["src"].
	Sources      []string          `yaml:"sources" json:"sources"`
	Settings     map[string]string `yaml:"settings" json:"settings"`
	Dependencies []DependencyDef   `yaml:"dependencies" json:"dependencies"`
	Codecs       []CodecDef        `yaml:"codecs" json:"codecs"`
}

// DependencyDef names exactly one of Module, Library and Bundle. Kind
// defaults to compile.
type DependencyDef struct {
	Module  string `yaml:"module" json:"module"`
	Library string `yaml:"library" json:"library"`
	Bundle  string `yaml:"bundle" json:"bundle"`
	Kind    string `yaml:"kind" json:"kind"`
}

// CodecDef declares one schema to generate codecs from. Paths are relative
// to the module directory.
type CodecDef struct {
	// Name defaults to the schema file name without extension.
	Name       string `yaml:"name" json:"name"`
	Schema     string `yaml:"schema" json:"schema"`
	Validation string `yaml:"validation" json:"validation"`
	Target     string `yaml:"target" json:"target"`
	// StopOnError defaults to true.
	StopOnError *bool `yaml:"stop_on_error" json:"stop_on_error"`
}

// GeneratorDef binds a target language to an external generator command.
type GeneratorDef struct {
	Command []string          `yaml:"command" json:"command"`
	Env     map[string]string `yaml:"env" json:"env"`
	PassEnv []string          `yaml:"pass_env" json:"pass_env"`
}

// FindDefinition returns the definition file in dir.
func FindDefinition(dir string) (string, error) {
	for _, name := range DefinitionNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", builderr.Configf(dir, "no build definition found (looked for %v)", DefinitionNames)
}

func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &builderr.ConfigurationError{Subject: path, Msg: "reading build definition", Err: err}
	}
	return ParseDefinition(path, data)
}

var (
	yamlUnknownField = regexp.MustCompile(`field (\S+) not found in type`)
	jsonUnknownField = regexp.MustCompile(`unknown field "([^"]+)"`)
)

// ParseDefinition decodes a definition; the format follows the extension
// of name. Unknown fields are rejected.
func ParseDefinition(name string, data []byte) (*Definition, error) {
	var def Definition
	var err error
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&def)
		if m := yamlUnknownField.FindStringSubmatch(errString(err)); m != nil {
			return nil, &builderr.UnknownConfigurationKeyError{Key: m[1], Source: name}
		}
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		err = dec.Decode(&def)
		if m := jsonUnknownField.FindStringSubmatch(errString(err)); m != nil {
			return nil, &builderr.UnknownConfigurationKeyError{Key: m[1], Source: name}
		}
	default:
		return nil, builderr.Configf(name, "unsupported build definition format %q", filepath.Ext(name))
	}
	if errors.Is(err, io.EOF) {
		return nil, builderr.Configf(name, "build definition is empty")
	}
	if err != nil {
		return nil, &builderr.ConfigurationError{Subject: name, Msg: "decoding build definition", Err: err}
	}
	if err := def.validate(name); err != nil {
		return nil, err
	}
	return &def, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (d *Definition) validate(source string) error {
	if d.Project == "" {
		return builderr.Configf(source, "project is required")
	}
	if len(d.Modules) == 0 {
		return builderr.Configf(source, "at least one module is required")
	}
	for i, m := range d.Modules {
		if m.Name == "" {
			return builderr.Configf(source, "modules[%d]: name is required", i)
		}
		for j, c := range m.Codecs {
			if c.Schema == "" {
				return builderr.Configf(source, "module %s: codecs[%d]: schema is required", m.Name, j)
			}
			if c.Validation == "" {
				return builderr.Configf(source, "module %s: codecs[%d]: validation is required", m.Name, j)
			}
		}
		for j, dep := range m.Dependencies {
			set := 0
			for _, v := range []string{dep.Module, dep.Library, dep.Bundle} {
				if v != "" {
					set++
				}
			}
			if set != 1 {
				return builderr.Configf(source, "module %s: dependencies[%d]: exactly one of module, library and bundle is required", m.Name, j)
			}
		}
	}
	for target, g := range d.Generators {
		if len(g.Command) == 0 || g.Command[0] == "" {
			return builderr.Configf(source, "generator %s: command is required", target)
		}
	}
	return nil
}

// dir returns the module directory relative to the project root.
func (m *ModuleDef) dir() string {
	if m.Dir != "" {
		return filepath.Clean(m.Dir)
	}
	return m.Name
}

func (m *ModuleDef) sources() []string {
	if len(m.Sources) == 0 {
		return []string{"src"}
	}
	return m.Sources
}

func (m *ModuleDef) packaged() bool {
	if m.Package != nil {
		return *m.Package
	}
	return m.EntryPoint != ""
}

func (c *CodecDef) name() string {
	if c.Name != "" {
		return c.Name
	}
	base := filepath.Base(c.Schema)
	return base[:len(base)-len(filepath.Ext(base))]
}

func (c *CodecDef) stopOnError() bool {
	return c.StopOnError == nil || *c.StopOnError
}
