package artifacts

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ensureReadme writes single_failures/README.md once. Caller holds singleMu.
func (s *Store) ensureReadme() error {
	path := filepath.Join(s.SingleFailuresDir(), "README.md")
	if s.taken[path] || fileExists(path) {
		return nil
	}
	s.taken[path] = true
	return s.writeFile(path, []byte(singleFailuresReadme(s.cfg.Items, s.cfg.DataKey)))
}

func singleFailuresReadme(items, dataKey string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Single failures\n\n")
	fmt.Fprintf(&b, "Individual %s rejected inside otherwise successful import responses,\n", items)
	fmt.Fprintf(&b, "grouped by the result code the API reported.\n\n")
	fmt.Fprintf(&b, "```\nsingle_failures/\n")
	fmt.Fprintf(&b, "├── CONFLICT/   duplicates and other conflicts\n")
	fmt.Fprintf(&b, "├── FAILED/     validation or business rule failures\n")
	fmt.Fprintf(&b, "├── ERROR/      server side errors\n")
	fmt.Fprintf(&b, "└── UNKNOWN/    unrecognised result codes\n```\n\n")
	fmt.Fprintf(&b, "Each `<id>.json` holds exactly one record in import format and can be\n")
	fmt.Fprintf(&b, "imported again as is:\n\n")
	fmt.Fprintf(&b, "```json\n{\n  \"%s\": [ { ... } ]\n}\n```\n\n", dataKey)
	fmt.Fprintf(&b, "`_SUMMARY_<CODE>.json` lists every record in the folder with its batch,\n")
	fmt.Fprintf(&b, "source file, error message and how it was matched to the submitted data.\n")
	return b.String()
}
