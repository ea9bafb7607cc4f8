// Package digest turns aggregated event groups into one-line summaries.
package digest

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dumbbond/ehri-rest/internal/actions"
	"github.com/dumbbond/ehri-rest/internal/metrics"
	"github.com/dumbbond/ehri-rest/internal/registry"
)

// digestMaxTokens caps Claude's response length for one summary.
const digestMaxTokens = 128

// Summarizer describes a group of events in one sentence.
type Summarizer interface {
	Summarize(ctx context.Context, group []*actions.SystemEvent) (string, error)
}

// Entry is the digest of one event group.
type Entry struct {
	Summary  string `json:"summary"`
	Events   int    `json:"events"`
	Actioner string `json:"actioner,omitempty"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// Digest summarizes each group. A group the summarizer fails on is logged
// and described by TemplateSummarizer instead.
func Digest(ctx context.Context, s Summarizer, groups [][]*actions.SystemEvent, logger *slog.Logger) ([]Entry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	entries := make([]Entry, 0, len(groups))
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return entries, ctx.Err()
		default:
		}

		summary, err := s.Summarize(ctx, g)
		if err != nil {
			logger.Warn("digest: falling back to template", "event_id", g[0].ID(), "error", err)
			summary, _ = TemplateSummarizer{}.Summarize(ctx, g)
		}
		// Groups are newest first.
		entries = append(entries, Entry{
			Summary:  summary,
			Events:   len(g),
			Actioner: g[0].ActionerID(),
			From:     g[len(g)-1].Timestamp,
			To:       g[0].Timestamp,
		})
		metrics.Inc(metrics.DigestsGenerated)
	}
	return entries, nil
}

// TemplateSummarizer describes groups without calling out to a model.
type TemplateSummarizer struct{}

// Summarize implements Summarizer.
func (TemplateSummarizer) Summarize(_ context.Context, group []*actions.SystemEvent) (string, error) {
	if len(group) == 0 {
		return "", nil
	}
	head := group[0]
	who := head.ActionerID()
	if who == "" {
		who = "someone"
	}
	var what string
	if s := head.FirstSubject(); s != nil {
		what = " on " + registry.IDOf(s)
		if len(head.Subjects) > 1 {
			what += fmt.Sprintf(" and %d more", len(head.Subjects)-1)
		}
	}
	noun := "event"
	if len(group) > 1 {
		noun = "events"
	}
	summary := fmt.Sprintf("%s: %d %s %s%s", who, len(group), head.EventType, noun, what)
	if msg := head.Message(); msg != "" {
		summary += fmt.Sprintf(" (%s)", msg)
	}
	return summary, nil
}

// ClaudeSummarizer asks Claude for the summary.
type ClaudeSummarizer struct {
	client *anthropic.Client
	model  string
	logger *slog.Logger
}

// NewClaudeSummarizer creates a ClaudeSummarizer. Extra request options are
// passed to the client.
func NewClaudeSummarizer(apiKey, model string, logger *slog.Logger, opts ...option.RequestOption) *ClaudeSummarizer {
	c := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ClaudeSummarizer{client: &c, model: model, logger: logger}
}

// digestPromptTemplate wraps the event lines in XML tags so log messages
// cannot be read as instructions.
const digestPromptTemplate = `Summarize the following archival catalogue activity in one concise sentence (max 25 words). Output ONLY the sentence.

<events>
%s
</events>`

// Summarize implements Summarizer.
func (s *ClaudeSummarizer) Summarize(ctx context.Context, group []*actions.SystemEvent) (string, error) {
	if len(group) == 0 {
		return "", nil
	}
	var lines strings.Builder
	for _, ev := range group {
		subjects := make([]string, 0, len(ev.Subjects))
		for _, sv := range ev.Subjects {
			subjects = append(subjects, registry.IDOf(sv))
		}
		fmt.Fprintf(&lines, "%s %s by %s on [%s]: %s\n",
			ev.Timestamp, ev.EventType, escape(ev.ActionerID()), escape(strings.Join(subjects, ", ")), escape(ev.Message()))
	}

	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: digestMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf(digestPromptTemplate, lines.String()))),
		},
		System: []anthropic.TextBlockParam{
			{Text: "You write short activity digests for archivists."},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarizing events: %w", err)
	}

	var summary string
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			summary = strings.TrimSpace(resp.Content[i].Text)
			break
		}
	}
	if summary == "" {
		return "", fmt.Errorf("empty response from Claude")
	}
	s.logger.Debug("claude digest response", "events", len(group), "summary", summary)
	return summary, nil
}

// escape neutralises XML in user-supplied text placed inside the prompt.
func escape(s string) string {
	var buf strings.Builder
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}
