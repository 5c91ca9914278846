// Package prompt turns a chat turn plus its gathered context into the
// final model prompt.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"botpipe/internal/model"
)

// Input carries everything prompt assembly may use. Fields reflect the
// job's in-flight capture snapshot, so values captured moments ago are
// already present.
type Input struct {
	Question       string
	Fields         []model.CaptureField
	Snippets       []model.Snippet
	UserCountry    string
	UserCity       string
	ContextMessage string
}

type Assembler interface {
	Assemble(ctx context.Context, in Input) (string, error)
}

// Template composes the prompt from fixed sections. Absent sections are
// omitted rather than rendered empty.
type Template struct{}

func NewTemplate() *Template {
	return &Template{}
}

func (t *Template) Assemble(ctx context.Context, in Input) (string, error) {
	if strings.TrimSpace(in.Question) == "" {
		return "", fmt.Errorf("empty question")
	}

	var b strings.Builder
	b.WriteString("Answer the user's question using only the knowledge base context below.\n")

	if len(in.Snippets) > 0 {
		b.WriteString("\nContext:\n")
		for _, s := range in.Snippets {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(s.Content))
			b.WriteByte('\n')
		}
	}

	var known []string
	for _, f := range in.Fields {
		if f.Value != nil && *f.Value != "" {
			known = append(known, fmt.Sprintf("%s: %s", f.FieldName, *f.Value))
		}
	}
	if len(known) > 0 {
		b.WriteString("\nKnown user details:\n")
		for _, k := range known {
			b.WriteString("- ")
			b.WriteString(k)
			b.WriteByte('\n')
		}
	}

	if in.UserCountry != "" || in.UserCity != "" {
		b.WriteString(fmt.Sprintf("\nUser location: %s\n", strings.TrimSpace(strings.Join(trimEmpty(in.UserCity, in.UserCountry), ", "))))
	}
	if in.ContextMessage != "" {
		b.WriteString("\nConversation context: ")
		b.WriteString(in.ContextMessage)
		b.WriteByte('\n')
	}

	b.WriteString("\nQuestion: ")
	b.WriteString(in.Question)
	return b.String(), nil
}

func trimEmpty(parts ...string) []string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Passthrough is the no-op assembler: the raw question is the prompt.
type Passthrough struct{}

func (Passthrough) Assemble(ctx context.Context, in Input) (string, error) {
	return in.Question, nil
}
