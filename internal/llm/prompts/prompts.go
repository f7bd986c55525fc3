package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/toeicprep/toeic/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

const maxTranscriptRunes = 10000

var transcriptTagRegex = regexp.MustCompile(`(?i)</?\s*learner-transcript\b[^>]*>`)

// PromptVariant represents a rating prompt variant.
type PromptVariant string

const (
	// PromptStrict rates close to the official scoring bands.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default rating variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient favours task completion over accuracy.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce      sync.Once
	loadErr       error
	rateTemplates map[PromptVariant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// RateData holds template data for rating prompts.
type RateData struct {
	Kind       model.ItemKind
	Prompt     string
	Rubric     string
	References []string
	Transcript string
}

// Load parses the embedded templates once.
func Load() error {
	loadOnce.Do(func() {
		rateTemplates, loadErr = parse(templateFS)
	})
	return loadErr
}

func parse(fsys fs.FS) (map[PromptVariant]*template.Template, error) {
	out := make(map[PromptVariant]*template.Template)
	for v := range validVariants {
		file := "templates/rate_" + string(v) + ".txt"
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, errors.New("failed to read prompt file " + file + ": " + err.Error())
		}
		tmpl, err := template.New("rate").Parse(string(content))
		if err != nil {
			return nil, errors.New("failed to parse prompt template " + file + ": " + err.Error())
		}
		out[v] = tmpl
	}
	return out, nil
}

// BuildRatePrompt builds the rating prompt of a transcript for item.
func BuildRatePrompt(variant PromptVariant, item model.Item, transcript string) (string, error) {
	if err := Load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := rateTemplates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	data := RateData{
		Kind:       item.Kind,
		Prompt:     item.Prompt,
		Rubric:     item.Rubric,
		References: item.AcceptableAnswers,
		Transcript: sanitizeTranscript(transcript),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeTranscript(s string) string {
	s = transcriptTagRegex.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	if s == "" {
		return "[No response recorded]"
	}

	if utf8.RuneCountInString(s) > maxTranscriptRunes {
		runes := []rune(s)
		s = string(runes[:maxTranscriptRunes]) + "\n\n[Transcript truncated due to length]"
	}
	return s
}
