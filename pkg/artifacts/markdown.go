package artifacts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/keon-os/marketops/pkg/contracts"
)

// RenderSummaryMarkdown renders an approver summary as Markdown. The
// rendering is a pure view of the JSON record; nothing here feeds a hash.
func RenderSummaryMarkdown(s contracts.ApproverSummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Approver Summary\n\n")
	fmt.Fprintf(&b, "- **Run:** `%s`\n", s.RunID)
	fmt.Fprintf(&b, "- **Tenant:** `%s`\n", s.TenantID)
	fmt.Fprintf(&b, "- **Mode:** `%s`\n", s.Mode)
	fmt.Fprintf(&b, "- **Generated:** %s\n", s.GeneratedAtUtc.Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&b, "- **Policy verdict:** **%s**\n\n", s.PolicyVerdict)

	fmt.Fprintf(&b, "## Status\n\n")
	fmt.Fprintf(&b, "| Status | Count |\n|---|---|\n")
	for _, key := range sortedKeys(s.StatusCounts) {
		fmt.Fprintf(&b, "| %s | %d |\n", key, s.StatusCounts[key])
	}
	b.WriteString("\n")

	if len(s.IssueCounts) > 0 {
		fmt.Fprintf(&b, "## Issues\n\n")
		fmt.Fprintf(&b, "| Type | Count |\n|---|---|\n")
		for _, key := range sortedKeys(s.IssueCounts) {
			fmt.Fprintf(&b, "| %s | %d |\n", key, s.IssueCounts[key])
		}
		b.WriteString("\n")
	}

	if len(s.TargetBreakdown) > 0 {
		fmt.Fprintf(&b, "## Targets\n\n")
		fmt.Fprintf(&b, "| Target | Issues |\n|---|---|\n")
		for _, t := range s.TargetBreakdown {
			fmt.Fprintf(&b, "| %s | %d |\n", t.Target, t.IssueCount)
		}
		b.WriteString("\n")
	}

	if len(s.DenialReasons) > 0 {
		fmt.Fprintf(&b, "## Denial Reasons\n\n")
		for _, reason := range s.DenialReasons {
			fmt.Fprintf(&b, "- %s\n", reason)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
