package contracts

// Issue severities reported by repository hygiene checks.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Issue types reported by repository hygiene checks.
const (
	IssueIncompleteReadme   = "incomplete_readme"
	IssueMissingCodeowners  = "missing_codeowners"
	IssueMissingEditorfiles = "missing_editorconfig"
)

// Issue is one hygiene finding against a discovered artifact.
type Issue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message,omitempty"`
}

// DiscoveredArtifact is one repository selected by the discovery stage.
type DiscoveredArtifact struct {
	Name   string  `json:"name"`
	Path   string  `json:"path"`
	Issues []Issue `json:"issues"`
}
