package packaging

import (
	"sort"
	"strings"
)

// ManifestPath is reserved for the generated manifest; inputs never
// provide it.
const ManifestPath = "META-INF/MANIFEST.MF"

const (
	manifestVersion = "Manifest-Version"
	createdBy       = "Created-By"
	maxLineBytes    = 72
)

// renderManifest writes the main section: Manifest-Version, the entry point
// attribute, Created-By, then the remaining attributes sorted by name.
// Attributes that collide with the fixed ones are ignored.
func renderManifest(mainAttribute, entryPoint string, attrs map[string]string) []byte {
	var b strings.Builder
	writeAttribute(&b, manifestVersion, "1.0")
	writeAttribute(&b, mainAttribute, entryPoint)
	writeAttribute(&b, createdBy, "buildweaver")

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		switch {
		case strings.EqualFold(name, manifestVersion),
			strings.EqualFold(name, mainAttribute),
			strings.EqualFold(name, createdBy):
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeAttribute(&b, name, attrs[name])
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// writeAttribute emits "Name: value" wrapped at 72 bytes per line, with
// continuation lines starting with a single space.
func writeAttribute(b *strings.Builder, name, value string) {
	line := name + ": " + value
	first := true
	for len(line) > 0 {
		limit := maxLineBytes
		if !first {
			limit--
			b.WriteByte(' ')
		}
		n := min(limit, len(line))
		// keep multi-byte characters whole
		for n < len(line) && n > 0 && line[n]&0xC0 == 0x80 {
			n--
		}
		b.WriteString(line[:n])
		b.WriteString("\r\n")
		line = line[n:]
		first = false
	}
}
