package i18n

import (
	"net/http"

	"golang.org/x/text/language"
)

// Middleware picks the request language from the "lang" query parameter,
// then Accept-Language, then fallback. The chosen catalog language is
// reported in Content-Language and its localizer stored in the request
// context. Init must have been called.
func Middleware(fallback string) func(http.Handler) http.Handler {
	matcher := language.NewMatcher(Languages())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tag, _ := language.MatchStrings(matcher, r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"), fallback)
			base, _ := tag.Base()
			w.Header().Set("Content-Language", base.String())
			ctx := WithLocalizer(r.Context(), NewLocalizer(base.String()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
