// Package builderr defines the error taxonomy shared by every pipeline stage.
//
// Each concrete type matches its own sentinel with errors.Is, so callers can
// branch on the kind of failure without caring which component produced it.
// Unknown configuration keys are also configuration errors.
package builderr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrSchemaParse       = errors.New("schema parse error")
	ErrSchemaValidation  = errors.New("schema validation error")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrUnknownKey        = errors.New("unknown configuration key")
	ErrMissingEntryPoint = errors.New("missing entry point")
	ErrCollision         = errors.New("output path collision")
	ErrGenerator         = errors.New("generator failed")
)

// ConfigurationError reports bad or missing input paths and invalid options.
type ConfigurationError struct {
	Subject string
	Msg     string
	Err     error
}

func Configf(subject, format string, args ...any) error {
	return &ConfigurationError{Subject: subject, Msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(ErrConfiguration.Error())
	if e.Subject != "" {
		b.WriteString(": ")
		b.WriteString(e.Subject)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SchemaParseError reports a schema or validation file that is not well-formed XML.
type SchemaParseError struct {
	File   string
	Line   int
	Column int
	Msg    string
}

func (e *SchemaParseError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s:%d:%d: %s", ErrSchemaParse, e.File, e.Line, e.Column, e.Msg)
}

func (e *SchemaParseError) Is(target error) bool { return target == ErrSchemaParse }

// Violation is a single structural constraint failure inside a schema document.
type Violation struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s (line %d): %s", v.Path, v.Line, v.Reason)
}

// SchemaValidationError reports a schema that does not satisfy its validation
// schema. Under stop-on-first-error it carries exactly one violation.
type SchemaValidationError struct {
	File       string
	Violations []Violation
}

// First returns the earliest reported violation.
func (e *SchemaValidationError) First() Violation {
	if e == nil || len(e.Violations) == 0 {
		return Violation{}
	}
	return e.Violations[0]
}

func (e *SchemaValidationError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s: %s", ErrSchemaValidation, e.File, e.First())
	if n := len(e.Violations) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

func (e *SchemaValidationError) Is(target error) bool { return target == ErrSchemaValidation }

// CyclicDependencyError names one cycle found in a dependency graph. The
// cycle is closed: its first and last elements are the same node.
type CyclicDependencyError struct {
	Graph string
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	if e == nil {
		return ""
	}
	subject := ""
	if e.Graph != "" {
		subject = " in " + e.Graph
	}
	return fmt.Sprintf("%s%s: %s", ErrCyclicDependency, subject, strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Is(target error) bool { return target == ErrCyclicDependency }

// UnknownConfigurationKeyError reports an option key that no layer recognises.
type UnknownConfigurationKeyError struct {
	Key    string
	Source string
}

func (e *UnknownConfigurationKeyError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s %q in %s", ErrUnknownKey, e.Key, e.Source)
}

func (e *UnknownConfigurationKeyError) Is(target error) bool {
	return target == ErrUnknownKey || target == ErrConfiguration
}

// MissingEntryPointError reports a packaging request for a module with no entry point.
type MissingEntryPointError struct {
	Module string
}

func (e *MissingEntryPointError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: module %q requests packaging but declares no entry point", ErrMissingEntryPoint, e.Module)
}

func (e *MissingEntryPointError) Is(target error) bool { return target == ErrMissingEntryPoint }

// CollisionError reports two packaging inputs that provide the same output path
// under the fail-on-collision policy.
type CollisionError struct {
	Path   string
	First  string
	Second string
}

func (e *CollisionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %q provided by both %s and %s", ErrCollision, e.Path, e.First, e.Second)
}

func (e *CollisionError) Is(target error) bool { return target == ErrCollision }

// GeneratorError reports a failed codec generator invocation.
type GeneratorError struct {
	Target   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *GeneratorError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s (target %s)", ErrGenerator, e.Target)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(": exit status %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *GeneratorError) Is(target error) bool { return target == ErrGenerator }

func (e *GeneratorError) Unwrap() error { return e.Err }
