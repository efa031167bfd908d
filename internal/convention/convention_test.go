package convention

import (
	"errors"
	"strings"
	"testing"

	"buildweaver/internal/builderr"
)

func javaConventions() []Convention {
	return []Convention{
		{
			Name: "base",
			Settings: map[string]string{
				ToolchainVersion: "17",
				ToolchainVendor:  "AZUL",
				LintTool:         "checkstyle",
				LintMaxWarnings:  "0",
				TestFramework:    "junit-jupiter",
			},
		},
		{
			Name:    "application",
			Extends: "base",
			Settings: map[string]string{
				PackagingClassifier:  "uber",
				PackagingDuplicates:  "exclude",
				"manifest.Add-Opens": "java.base/jdk.internal.misc java.base/java.util.zip",
			},
		},
	}
}

func TestEffective_ModuleWinsFieldByField(t *testing.T) {
	set, err := NewSet(javaConventions())
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	got, err := set.Effective("application", map[string]string{ToolchainVersion: "21"}, "module admin")
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if got.Get(ToolchainVersion) != "21" {
		t.Fatalf("override lost: %s", got.Get(ToolchainVersion))
	}
	if got.Get(ToolchainVendor) != "AZUL" || got.Get(LintTool) != "checkstyle" {
		t.Fatalf("inherited fields lost: %v", got)
	}
	if got.Get(PackagingClassifier) != "uber" {
		t.Fatalf("classifier = %q", got.Get(PackagingClassifier))
	}
	if m := got.Manifest(); m["Add-Opens"] == "" || len(m) != 1 {
		t.Fatalf("manifest = %v", m)
	}
	if n, ok, err := got.Int(LintMaxWarnings); err != nil || !ok || n != 0 {
		t.Fatalf("max warnings = %d %v %v", n, ok, err)
	}
}

func TestEffective_ChildConventionOverridesParent(t *testing.T) {
	convs := javaConventions()
	convs[1].Settings[LintMaxWarnings] = "10"
	set, err := NewSet(convs)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	got, err := set.Effective("application", nil, "module cluster")
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if got.Get(LintMaxWarnings) != "10" {
		t.Fatalf("max warnings = %s", got.Get(LintMaxWarnings))
	}
	base, err := set.Effective("base", nil, "module protocol")
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if base.Get(LintMaxWarnings) != "0" || base.Get(PackagingClassifier) != "" {
		t.Fatalf("base leaked child settings: %v", base)
	}
}

func TestEffective_NoConvention(t *testing.T) {
	set, err := NewSet(nil)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	got, err := set.Effective("", map[string]string{TestVersion: "5.10.2"}, "module x")
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if len(got) != 1 || got.Get(TestVersion) != "5.10.2" {
		t.Fatalf("settings = %v", got)
	}
}

func TestUnknownKeys(t *testing.T) {
	set, err := NewSet(javaConventions())
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	_, err = set.Effective("base", map[string]string{"toolchain.flavour": "x"}, "module admin")
	var uerr *builderr.UnknownConfigurationKeyError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnknownConfigurationKeyError, got %v", err)
	}
	if uerr.Key != "toolchain.flavour" || uerr.Source != "module admin" {
		t.Fatalf("unexpected error %+v", uerr)
	}

	convs := javaConventions()
	convs[0].Settings["lint.strict"] = "true"
	_, err = NewSet(convs)
	if !errors.As(err, &uerr) || uerr.Source != "convention base" {
		t.Fatalf("expected unknown key in convention base, got %v", err)
	}
}

func TestExtendsErrors(t *testing.T) {
	_, err := NewSet([]Convention{
		{Name: "a", Extends: "b"},
		{Name: "b", Extends: "a"},
	})
	if !errors.Is(err, builderr.ErrConfiguration) || !strings.Contains(err.Error(), "a -> b -> a") {
		t.Fatalf("expected extends cycle, got %v", err)
	}

	_, err = NewSet([]Convention{{Name: "a", Extends: "missing"}})
	if !errors.Is(err, builderr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestInvalidValues(t *testing.T) {
	set, err := NewSet(nil)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	for _, overrides := range []map[string]string{
		{LintMaxWarnings: "many"},
		{LintMaxWarnings: "-1"},
		{PackagingDuplicates: "merge"},
		{PackagingDuplicates: ""},
	} {
		if _, err := set.Effective("", overrides, "module x"); !errors.Is(err, builderr.ErrConfiguration) {
			t.Fatalf("overrides %v: expected configuration error, got %v", overrides, err)
		}
	}
	if _, err := set.Effective("nope", nil, "module x"); !errors.Is(err, builderr.ErrConfiguration) {
		t.Fatalf("expected unknown convention error, got %v", err)
	}
}

func TestKnownKey(t *testing.T) {
	for _, k := range []string{ToolchainVersion, PackagingMainAttribute, "manifest.Implementation-Title"} {
		if !KnownKey(k) {
			t.Fatalf("%s should be known", k)
		}
	}
	for _, k := range []string{"manifest.", "manifest.bad name", "toolchain"} {
		if KnownKey(k) {
			t.Fatalf("%s should be unknown", k)
		}
	}
}
