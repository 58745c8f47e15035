package i18n

import (
	"net/http"

	"golang.org/x/text/language"
)

// Middleware picks the best supported language from Accept-Language and
// stores its localizer in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		supported := Languages()
		if len(supported) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		matcher := language.NewMatcher(supported)
		tag, _ := language.MatchStrings(matcher, r.Header.Get("Accept-Language"))
		base, _ := tag.Base()

		ctx := WithLocalizer(r.Context(), NewLocalizer(base.String()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
