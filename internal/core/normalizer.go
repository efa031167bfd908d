package core

import (
	"bytes"
	"regexp"
)

// GeneratedSourceNormalizer strips the volatile parts external code
// generators commonly stamp into their output, so that cached output is
// identical across runs:
//   - CRLF line endings
//   - ISO 8601 and log-style timestamps
//   - @Generated(date = ...) annotation dates
type GeneratedSourceNormalizer struct {
	patterns []normPattern
}

type normPattern struct {
	regex       *regexp.Regexp
	replacement []byte
}

func NewGeneratedSourceNormalizer() *GeneratedSourceNormalizer {
	return &GeneratedSourceNormalizer{
		patterns: []normPattern{
			{
				regex:       regexp.MustCompile(`date\s*=\s*"[^"]*"`),
				replacement: []byte(`date = "<TIMESTAMP>"`),
			},
			{
				regex:       regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`),
				replacement: []byte("<TIMESTAMP>"),
			},
			{
				regex:       regexp.MustCompile(`\d{4}[-/]\d{2}[-/]\d{2}\s+\d{2}:\d{2}:\d{2}(\.\d+)?`),
				replacement: []byte("<TIMESTAMP>"),
			},
		},
	}
}

func (n *GeneratedSourceNormalizer) Normalize(content []byte) []byte {
	result := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	for _, p := range n.patterns {
		result = p.regex.ReplaceAll(result, p.replacement)
	}
	return result
}
