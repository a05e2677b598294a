// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package render implements the deterministic transformation of a
// structured issue document into canonical markdown bytes, plus an
// optional sidecar for overflow comments.
//
// Render is a pure function: for a fixed Issue and Config, repeated
// calls produce byte-identical output. No component in this package
// performs I/O.
package render

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kadencartwright/jirafs/lib/jiraissue"
)

// DefaultCommentsInlineLimit is the renderer-level constant spec §4.5
// recommends as a default when configuration does not override it.
const DefaultCommentsInlineLimit = 20

// Config controls renderer behavior that spec §6 exposes as part of
// the configuration surface.
type Config struct {
	// CommentsInlineLimit is the maximum number of comments rendered
	// inline under "## Comments" before the remainder spill to the
	// sidecar. Zero means DefaultCommentsInlineLimit.
	CommentsInlineLimit int
}

func (c Config) inlineLimit() int {
	if c.CommentsInlineLimit <= 0 {
		return DefaultCommentsInlineLimit
	}
	return c.CommentsInlineLimit
}

// Result is the renderer's output for one issue.
type Result struct {
	// Markdown is the main document: <KEY>.md.
	Markdown []byte

	// Sidecar is non-nil only when comments overflowed the inline
	// limit: <KEY>.comments.md.
	Sidecar []byte
}

// frontmatter mirrors the required+optional YAML fields from spec
// §4.5 item 1. Field order matches emission order; yaml.v3 preserves
// struct field order on encode, which is what gives the frontmatter
// block its fixed, deterministic field ordering without manual string
// building.
type frontmatter struct {
	ID        string   `yaml:"id"`
	Project   string   `yaml:"project"`
	Type      string   `yaml:"type"`
	Status    string   `yaml:"status"`
	Priority  string   `yaml:"priority"`
	Assignee  string   `yaml:"assignee"`
	Reporter  string   `yaml:"reporter"`
	Labels    []string `yaml:"labels"`
	CreatedAt string   `yaml:"created_at"`
	UpdatedAt string   `yaml:"updated_at"`

	Parent    string   `yaml:"parent,omitempty"`
	Epic      string   `yaml:"epic,omitempty"`
	Blocks    []string `yaml:"blocks,omitempty"`
	BlockedBy []string `yaml:"blocked_by,omitempty"`
	RelatesTo []string `yaml:"relates_to,omitempty"`
	DueAt     string   `yaml:"due_at,omitempty"`
	Version   string   `yaml:"version,omitempty"`
	SourceURL string   `yaml:"source_url,omitempty"`
}

// Render transforms issue into markdown per the section ordering in
// spec §4.5. Each section is omitted if its source field is absent.
func Render(issue jiraissue.Issue, cfg Config) Result {
	var b strings.Builder

	writeFrontmatter(&b, issue)
	writeSummary(&b, issue)
	writeAcceptanceCriteria(&b, issue)
	writeImplementationNotes(&b, issue)
	writeTestEvidence(&b, issue)

	sidecar := writeComments(&b, issue, cfg.inlineLimit())

	writeAttachments(&b, issue)

	result := Result{Markdown: []byte(redact(b.String()))}
	if sidecar != "" {
		result.Sidecar = []byte(redact(sidecar))
	}
	return result
}

func writeFrontmatter(b *strings.Builder, issue jiraissue.Issue) {
	fm := frontmatter{
		ID:        string(issue.Key),
		Project:   issue.Project,
		Type:      issue.Type,
		Status:    issue.Status,
		Priority:  issue.Priority,
		Assignee:  issue.Assignee,
		Reporter:  issue.Reporter,
		Labels:    copyStrings(issue.Labels),
		CreatedAt: formatTime(issue.CreatedAt),
		UpdatedAt: formatTime(issue.UpdatedAt),
		Parent:    string(issue.Parent),
		Epic:      string(issue.Epic),
		Blocks:    keysToStrings(issue.Links.Blocks),
		BlockedBy: keysToStrings(issue.Links.BlockedBy),
		RelatesTo: keysToStrings(issue.Links.RelatesTo),
		Version:   issue.Version,
		SourceURL: issue.SourceURL,
	}
	if issue.DueAt != nil {
		fm.DueAt = formatTime(*issue.DueAt)
	}

	out, err := yaml.Marshal(fm)
	if err != nil {
		// yaml.Marshal on a plain struct of strings/slices cannot
		// fail; this branch exists only to avoid a silent panic if
		// that invariant is ever violated.
		out = []byte(fmt.Sprintf("# render error: %v\n", err))
	}

	b.WriteString("---\n")
	b.Write(out)
	b.WriteString("---\n\n")
}

func writeSummary(b *strings.Builder, issue jiraissue.Issue) {
	summary := strings.TrimSpace(issue.Summary)
	if summary == "" {
		return
	}
	b.WriteString("## Summary\n\n")
	b.WriteString(firstParagraph(summary))
	b.WriteString("\n\n")
}

func writeAcceptanceCriteria(b *strings.Builder, issue jiraissue.Issue) {
	if len(issue.AcceptanceCriteria) == 0 {
		return
	}
	b.WriteString("## Acceptance Criteria\n\n")
	for _, criterion := range issue.AcceptanceCriteria {
		mark := " "
		if criterion.Checked {
			mark = "x"
		}
		fmt.Fprintf(b, "- [%s] %s\n", mark, strings.TrimSpace(criterion.Text))
	}
	b.WriteString("\n")
}

func writeImplementationNotes(b *strings.Builder, issue jiraissue.Issue) {
	body := renderRichText(issue.Description)
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	b.WriteString("## Implementation Notes\n\n")
	b.WriteString(body)
	b.WriteString("\n\n")
}

func writeTestEvidence(b *strings.Builder, issue jiraissue.Issue) {
	if len(issue.TestEvidence) == 0 {
		return
	}
	b.WriteString("## Test Evidence\n\n")
	for _, evidence := range issue.TestEvidence {
		status := "failed"
		if evidence.Passed {
			status = "passed"
		}
		fmt.Fprintf(b, "- %s: %s\n", status, strings.TrimSpace(evidence.Summary))
	}
	b.WriteString("\n")
}

// writeComments writes up to limit comments inline and returns the
// sidecar content (all comments, chronological order) when the
// comment count exceeds limit. Returns "" when no sidecar is needed.
func writeComments(b *strings.Builder, issue jiraissue.Issue, limit int) string {
	if len(issue.Comments) == 0 {
		return ""
	}

	comments := make([]jiraissue.Comment, len(issue.Comments))
	copy(comments, issue.Comments)
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})

	b.WriteString("## Comments\n\n")

	inline := comments
	var overflowed bool
	if len(comments) > limit {
		inline = comments[:limit]
		overflowed = true
	}
	for _, comment := range inline {
		writeOneComment(b, comment)
	}

	if overflowed {
		fmt.Fprintf(b, "See %s.comments.md for full comment history.\n\n", issue.Key)

		var sidecar strings.Builder
		for _, comment := range comments {
			writeOneComment(&sidecar, comment)
		}
		return sidecar.String()
	}

	return ""
}

func writeOneComment(b *strings.Builder, comment jiraissue.Comment) {
	fmt.Fprintf(b, "**%s** — %s\n\n", comment.Author, formatTime(comment.CreatedAt))
	body := strings.TrimSpace(renderRichText(comment.Body))
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
}

func writeAttachments(b *strings.Builder, issue jiraissue.Issue) {
	if len(issue.Attachments) == 0 {
		return
	}
	b.WriteString("## Attachments\n\n")
	for _, attachment := range issue.Attachments {
		fmt.Fprintf(b, "- attachment: %s (%s)\n", attachment.Filename, attachment.ID)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// copyStrings returns a defensive copy of values in source order. List
// fields preserve source order per spec §4.5's determinism rule
// (only map-valued fields are sorted into lexicographic key order).
func copyStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

// keysToStrings converts a list of issue keys to strings, preserving
// source order (see copyStrings).
func keysToStrings(keys []jiraissue.Key) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

// firstParagraph returns the text up to the first blank-line break,
// used for the Summary section (a single paragraph per spec §4.5).
func firstParagraph(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "\n\n"); idx >= 0 {
		return text[:idx]
	}
	return text
}

// credentialPatterns matches token-like substrings spec §4.5 requires
// redacting. This is one of the few intentionally-stdlib pieces of
// this module (see DESIGN.md): no pack library offers secret-pattern
// redaction, and the policy is a short, fixed list of regexes.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._\-]{10,}\b`),
	regexp.MustCompile(`(?i)\bBasic\s+[A-Za-z0-9+/=]{10,}\b`),
	regexp.MustCompile(`\b(?:sk|pat|ghp|glpat)-[A-Za-z0-9_\-]{10,}\b`),
	regexp.MustCompile(`(?i)\bapi[_-]?key["']?\s*[:=]\s*["']?[A-Za-z0-9._\-]{10,}`),
}

func redact(text string) string {
	for _, pattern := range credentialPatterns {
		text = pattern.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}
