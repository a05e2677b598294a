// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jiratracker

import (
	"time"

	"github.com/kadencartwright/jirafs/lib/jiraissue"
)

// wireSearchResponse is the JSON shape of a search-by-query response.
// Pagination follows a next-page-token style rather than GitHub's
// Link-header convention, per original_source/src/jira.rs.
type wireSearchResponse struct {
	Issues        []wireIssueSummary `json:"issues"`
	NextPageToken string             `json:"nextPageToken"`
}

// wireIssueSummary is the minimal listing shape spec §6 requires:
// "at minimum {key, updated_at}".
type wireIssueSummary struct {
	Key    string `json:"key"`
	Fields struct {
		Updated string `json:"updated"`
	} `json:"fields"`
}

func (w wireIssueSummary) toRef() (jiraissue.Ref, error) {
	updated, err := parseWireTime(w.Fields.Updated)
	if err != nil {
		return jiraissue.Ref{}, err
	}
	return jiraissue.Ref{Key: jiraissue.Key(w.Key), UpdatedAt: updated}, nil
}

// wireRichText mirrors jiraissue.RichTextNode's wire shape.
type wireRichText struct {
	Type        string         `json:"type"`
	Text        string         `json:"text,omitempty"`
	URL         string         `json:"url,omitempty"`
	Label       string         `json:"label,omitempty"`
	MentionName string         `json:"mentionName,omitempty"`
	Content     []wireRichText `json:"content,omitempty"`
}

func (w wireRichText) toNode() jiraissue.RichTextNode {
	node := jiraissue.RichTextNode{
		Tag:         w.Type,
		Text:        w.Text,
		URL:         w.URL,
		Label:       w.Label,
		MentionName: w.MentionName,
	}
	if len(w.Content) > 0 {
		node.Content = make([]jiraissue.RichTextNode, len(w.Content))
		for i, child := range w.Content {
			node.Content[i] = child.toNode()
		}
	}
	return node
}

type wireComment struct {
	Author  string       `json:"author"`
	Created string       `json:"created"`
	Body    wireRichText `json:"body"`
}

type wireAttachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

type wireCriterion struct {
	Text    string `json:"text"`
	Checked bool   `json:"checked"`
}

type wireTestEvidence struct {
	Summary string `json:"summary"`
	Passed  bool   `json:"passed"`
}

// wireIssue is the full structured issue document, matching the
// record shape described in spec §3.
type wireIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Project  string   `json:"project"`
		Summary  string   `json:"summary"`
		Type     string   `json:"issuetype"`
		Status   string   `json:"status"`
		Priority string   `json:"priority"`
		Assignee string   `json:"assignee"`
		Reporter string   `json:"reporter"`
		Labels   []string `json:"labels"`
		Parent   string   `json:"parent"`
		Epic     string   `json:"epic"`
		Links    struct {
			Blocks    []string `json:"blocks"`
			BlockedBy []string `json:"blockedBy"`
			RelatesTo []string `json:"relatesTo"`
		} `json:"links"`
		Created            string             `json:"created"`
		Updated            string             `json:"updated"`
		DueDate            string             `json:"duedate"`
		Version            string             `json:"version"`
		SourceURL          string             `json:"sourceUrl"`
		Description        wireRichText       `json:"description"`
		AcceptanceCriteria []wireCriterion    `json:"acceptanceCriteria"`
		TestEvidence       []wireTestEvidence `json:"testEvidence"`
		Comments           []wireComment      `json:"comments"`
		Attachments        []wireAttachment   `json:"attachments"`
	} `json:"fields"`
}

func (w wireIssue) toIssue() (jiraissue.Issue, error) {
	created, err := parseWireTime(w.Fields.Created)
	if err != nil {
		return jiraissue.Issue{}, err
	}
	updated, err := parseWireTime(w.Fields.Updated)
	if err != nil {
		return jiraissue.Issue{}, err
	}

	issue := jiraissue.Issue{
		Key:         jiraissue.Key(w.Key),
		Project:     w.Fields.Project,
		Summary:     w.Fields.Summary,
		Type:        w.Fields.Type,
		Status:      w.Fields.Status,
		Priority:    w.Fields.Priority,
		Assignee:    w.Fields.Assignee,
		Reporter:    w.Fields.Reporter,
		Labels:      w.Fields.Labels,
		Parent:      jiraissue.Key(w.Fields.Parent),
		Epic:        jiraissue.Key(w.Fields.Epic),
		CreatedAt:   created,
		UpdatedAt:   updated,
		Version:     w.Fields.Version,
		SourceURL:   w.Fields.SourceURL,
		Description: w.Fields.Description.toNode(),
	}

	if w.Fields.DueDate != "" {
		due, err := parseWireTime(w.Fields.DueDate)
		if err != nil {
			return jiraissue.Issue{}, err
		}
		issue.DueAt = &due
	}

	for _, key := range w.Fields.Links.Blocks {
		issue.Links.Blocks = append(issue.Links.Blocks, jiraissue.Key(key))
	}
	for _, key := range w.Fields.Links.BlockedBy {
		issue.Links.BlockedBy = append(issue.Links.BlockedBy, jiraissue.Key(key))
	}
	for _, key := range w.Fields.Links.RelatesTo {
		issue.Links.RelatesTo = append(issue.Links.RelatesTo, jiraissue.Key(key))
	}

	for _, criterion := range w.Fields.AcceptanceCriteria {
		issue.AcceptanceCriteria = append(issue.AcceptanceCriteria, jiraissue.AcceptanceCriterion{
			Text:    criterion.Text,
			Checked: criterion.Checked,
		})
	}
	for _, evidence := range w.Fields.TestEvidence {
		issue.TestEvidence = append(issue.TestEvidence, jiraissue.TestEvidence{
			Summary: evidence.Summary,
			Passed:  evidence.Passed,
		})
	}
	for _, attachment := range w.Fields.Attachments {
		issue.Attachments = append(issue.Attachments, jiraissue.Attachment{
			ID:       attachment.ID,
			Filename: attachment.Filename,
		})
	}
	for _, comment := range w.Fields.Comments {
		createdAt, err := parseWireTime(comment.Created)
		if err != nil {
			return jiraissue.Issue{}, err
		}
		issue.Comments = append(issue.Comments, jiraissue.Comment{
			Author:    comment.Author,
			CreatedAt: createdAt,
			Body:      comment.Body.toNode(),
		})
	}

	return issue, nil
}

// wireTimeLayouts lists the timestamp formats the tracker may emit.
// ISO-8601 UTC is the documented wire format (spec §3); a couple of
// offset/date-only variants are tolerated for robustness.
var wireTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02",
}

func parseWireTime(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range wireTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
