// Package i18n localizes API messages. The English and Vietnamese catalogs
// under locales/ are embedded in the binary; a message missing from every
// catalog is returned as its ID.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var catalogs embed.FS

var bundle *i18n.Bundle

type localizerKey struct{}

// Init loads the embedded catalogs. fallback is served to requests that ask
// for none of the catalog languages.
func Init(fallback string) error {
	tag, err := language.Parse(fallback)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", fallback, err)
	}

	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)
	paths, err := fs.Glob(catalogs, "locales/*.json")
	if err != nil {
		return fmt.Errorf("list catalogs: %w", err)
	}
	for _, p := range paths {
		if _, err := b.LoadMessageFileFS(catalogs, p); err != nil {
			return fmt.Errorf("load catalog %s: %w", p, err)
		}
	}

	bundle = b
	slog.Debug("loaded message catalogs", "languages", Languages())
	return nil
}

// Languages returns the languages with a catalog, fallback first.
func Languages() []language.Tag {
	return bundle.LanguageTags()
}

// NewLocalizer creates a localizer for the first catalog language among
// langs. Each entry may be a tag or an Accept-Language header value.
func NewLocalizer(langs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(bundle, langs...)
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, localizerKey{}, loc)
}

// T returns the message msgID in the request language.
func T(ctx context.Context, msgID string) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID})
}

// Td fills the placeholders of msgID, e.g. {{.Score}} in SessionOver.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID, TemplateData: data})
}

// Tp picks the plural form of msgID for count, exposed to the template as
// {{.Count}}.
func Tp(ctx context.Context, msgID string, count int) string {
	return localize(ctx, &i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}

func localize(ctx context.Context, cfg *i18n.LocalizeConfig) string {
	loc, ok := ctx.Value(localizerKey{}).(*i18n.Localizer)
	if !ok {
		loc = i18n.NewLocalizer(bundle)
	}
	s, err := loc.Localize(cfg)
	if err != nil {
		slog.Warn("missing translation", "id", cfg.MessageID, "error", err)
		return cfg.MessageID
	}
	return s
}
