// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package jiraissue defines the structured issue document shared by
// the remote client, renderer, cache, and persistent store. Keeping
// this model in its own package avoids an import cycle between those
// four packages, each of which needs the shape without needing each
// other.
package jiraissue

import "time"

// Key is an issue-tracker identifier of the form "<PROJ>-<N>", treated
// as a globally unique opaque string.
type Key string

// RichTextNode is one node of a rich-text tree (an issue description
// or comment body). The tracker's actual wire format nests these
// arbitrarily; Tag distinguishes node kinds the renderer knows how to
// special-case (links, mentions, hard breaks) from plain text/content
// containers it merely walks.
type RichTextNode struct {
	// Tag names the node kind: "text", "paragraph", "link", "mention",
	// "hardBreak", or any other tracker-defined tag. Unrecognized tags
	// are walked via Content without leaking the tag name into output.
	Tag string `json:"type"`

	// Text holds the leaf text for "text"-tagged nodes.
	Text string `json:"text,omitempty"`

	// URL holds the link target for "link"-tagged nodes.
	URL string `json:"url,omitempty"`

	// Label holds the visible link text for "link"-tagged nodes. Falls
	// back to URL when empty.
	Label string `json:"label,omitempty"`

	// MentionName holds the display name for "mention"-tagged nodes.
	MentionName string `json:"mentionName,omitempty"`

	// Content holds child nodes for container-tagged nodes (paragraphs,
	// lists, list items, and any tag the renderer does not
	// special-case).
	Content []RichTextNode `json:"content,omitempty"`
}

// Comment is one comment on an issue.
type Comment struct {
	Author    string       `json:"author"`
	CreatedAt time.Time    `json:"created_at"`
	Body      RichTextNode `json:"body"`
}

// Attachment references a file attached to an issue.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

// Links groups an issue's relations to other issues.
type Links struct {
	Blocks    []Key `json:"blocks,omitempty"`
	BlockedBy []Key `json:"blocked_by,omitempty"`
	RelatesTo []Key `json:"relates_to,omitempty"`
}

// AcceptanceCriterion is one extracted checkbox-shaped line from an
// issue's description, per the conservative extraction policy chosen
// in DESIGN.md for spec.md's open question.
type AcceptanceCriterion struct {
	Text    string
	Checked bool
}

// TestEvidence is one structured test-evidence block, if the tracker
// exposes them as a distinct structure rather than free text.
type TestEvidence struct {
	Summary string
	Passed  bool
}

// Issue is the structured issue document described in spec §3.
type Issue struct {
	Key       Key        `json:"key"`
	Project   string     `json:"project"`
	Summary   string     `json:"summary,omitempty"`
	Type      string     `json:"type"`
	Status    string     `json:"status"`
	Priority  string     `json:"priority"`
	Assignee  string     `json:"assignee,omitempty"`
	Reporter  string     `json:"reporter,omitempty"`
	Labels    []string   `json:"labels,omitempty"`
	Parent    Key        `json:"parent,omitempty"`
	Epic      Key        `json:"epic,omitempty"`
	Links     Links      `json:"links"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	SourceURL string     `json:"source_url,omitempty"`
	Version   string     `json:"version,omitempty"`

	Description        RichTextNode          `json:"description"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria,omitempty"`
	TestEvidence       []TestEvidence        `json:"test_evidence,omitempty"`
	Comments           []Comment             `json:"comments,omitempty"`
	Attachments        []Attachment          `json:"attachments,omitempty"`
}

// Ref is a lightweight listing entry: just enough to decide whether a
// cached artifact is stale.
type Ref struct {
	Key       Key       `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
}
