package triage

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"fleet-triage/internal/schema"
)

// KBEntry maps a message phrase to a remediation.
type KBEntry struct {
	Phrase string `yaml:"phrase" json:"phrase"`
	Advice string `yaml:"advice" json:"advice"`
}

// KB is an ordered knowledge base; advisories follow declaration order.
type KB []KBEntry

// DefaultKB holds the built-in remediations.
var DefaultKB = KB{
	{Phrase: "secure boot", Advice: "ID 17: SBAT Update failure. Apply Microsoft KB5041571."},
	{Phrase: "shadow copies", Advice: "ID 12289: VSS storage limit. Run: vssadmin resize shadowstorage /for=C: /maxsize=15%"},
	{Phrase: "hosts file", Advice: "ID 1008: Hosts file access error. Check Antivirus/Permissions."},
	{Phrase: "profiling api", Advice: "ID 2509/1023: .NET Profiler conflict. Disable COR_PROFILER if not used."},
}

type kbFile struct {
	Entries KB `yaml:"entries"`
}

// LoadKB reads a knowledge base from a YAML file of the form
//
//	entries:
//	  - phrase: secure boot
//	    advice: Apply KB5041571.
func LoadKB(path string) (KB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read kb file: %w", err)
	}
	var f kbFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse kb file: %w", err)
	}
	for i, e := range f.Entries {
		if strings.TrimSpace(e.Phrase) == "" || strings.TrimSpace(e.Advice) == "" {
			return nil, fmt.Errorf("kb entry %d: phrase and advice are required", i)
		}
	}
	return f.Entries, nil
}

// Advise matches every message against kb and returns one advisory per
// matching phrase, in kb order. Matching is a case-insensitive substring
// over all messages.
func Advise(records []schema.EventRecord, kb KB) []string {
	if len(records) == 0 || len(kb) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, r := range records {
		sb.WriteString(strings.ToLower(r.Message))
		sb.WriteByte('\n')
	}
	text := sb.String()

	var out []string
	for _, e := range kb {
		if strings.Contains(text, strings.ToLower(e.Phrase)) {
			out = append(out, e.Advice)
		}
	}
	return out
}
