// Package capture extracts configured structured fields (name, email,
// phone, address) from free-form chat text.
package capture

import (
	"regexp"
	"strings"

	"botpipe/internal/model"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Built-in rules per field type. A rule with a capture group yields group
// 1; otherwise the whole match is the value.
var builtins = map[string][]*regexp.Regexp{
	"name": {
		regexp.MustCompile(`(?i)(?:my name is|i am|i'm|me llamo|mi nombre es|soy)\s+([\p{L}][\p{L}'’-]*(?:\s+[\p{L}][\p{L}'’-]*){0,2})`),
	},
	"email": {
		regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	},
	"phone": {
		regexp.MustCompile(`\+?[0-9][0-9()\s.\-]{6,14}[0-9]`),
	},
	"address": {
		regexp.MustCompile(`(?i)(?:my address is|address:|vivo en|mi direcci[oó]n es)\s+(.{5,120})`),
	},
}

// Extractor scans a text turn for pending capture fields. Custom per-bot
// patterns are compiled once and kept in an LRU cache keyed by the pattern
// source.
type Extractor struct {
	custom *lru.Cache[string, *regexp.Regexp]
	log    *zap.Logger
}

func New(log *zap.Logger) *Extractor {
	cache, _ := lru.New[string, *regexp.Regexp](128)
	return &Extractor{custom: cache, log: log}
}

// Extract returns newly captured values by field name. Only the given
// fields are considered; callers pass the pending subset so fields already
// satisfied for the session are never re-extracted. configs supplies the
// per-bot custom patterns by field name.
func (e *Extractor) Extract(text string, fields []model.CaptureField, configs map[string]model.CaptureFieldConfig) map[string]string {
	if strings.TrimSpace(text) == "" || len(fields) == 0 {
		return nil
	}

	captured := make(map[string]string)
	for _, f := range fields {
		if f.Value != nil && *f.Value != "" {
			continue
		}

		if cfg, ok := configs[f.FieldName]; ok && cfg.Pattern != nil && *cfg.Pattern != "" {
			if v, ok := e.matchCustom(text, *cfg.Pattern); ok {
				captured[f.FieldName] = v
				continue
			}
		}

		for _, re := range builtins[f.FieldType] {
			if v, ok := match(re, text); ok {
				captured[f.FieldName] = v
				break
			}
		}
	}

	if len(captured) == 0 {
		return nil
	}
	return captured
}

func (e *Extractor) matchCustom(text, pattern string) (string, bool) {
	re, ok := e.custom.Get(pattern)
	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			e.log.Warn("Invalid capture pattern", zap.String("pattern", pattern), zap.Error(err))
			return "", false
		}
		e.custom.Add(pattern, re)
	}
	return match(re, text)
}

func match(re *regexp.Regexp, text string) (string, bool) {
	groups := re.FindStringSubmatch(text)
	if groups == nil {
		return "", false
	}
	value := groups[0]
	if len(groups) > 1 && groups[1] != "" {
		value = groups[1]
	}
	value = strings.TrimSpace(strings.Trim(value, ".,;:!?"))
	if value == "" {
		return "", false
	}
	return value, true
}
