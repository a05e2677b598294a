// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package render

import (
	"strings"

	"github.com/kadencartwright/jirafs/lib/jiraissue"
)

// renderRichText walks a rich-text tree and returns a markdown
// rendering: links become "[label](url)", mentions become "@name",
// hard breaks become newlines. A paragraph's children render inline,
// concatenated directly, so "hello [link](url) world" stays one line
// instead of three blank-line separated blocks; other block-level
// containers still join their children with blank lines (or a single
// newline for list items).
func renderRichText(node jiraissue.RichTextNode) string {
	switch node.Tag {
	case "text":
		return node.Text
	case "link":
		label := node.Label
		if label == "" {
			label = node.URL
		}
		return "[" + label + "](" + node.URL + ")"
	case "mention":
		return "@" + node.MentionName
	case "hardBreak":
		return "\n"
	}

	if len(node.Content) == 0 {
		return ""
	}

	if node.Tag == "paragraph" {
		var sb strings.Builder
		for _, child := range node.Content {
			sb.WriteString(renderRichText(child))
		}
		return strings.TrimSpace(sb.String())
	}

	separator := "\n\n"
	if node.Tag == "listItem" || node.Tag == "bulletList" || node.Tag == "orderedList" {
		separator = "\n"
	}

	var parts []string
	for _, child := range node.Content {
		text := strings.TrimSpace(renderRichText(child))
		if text == "" {
			continue
		}
		if node.Tag == "bulletList" || node.Tag == "orderedList" {
			text = "- " + text
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, separator)
}
