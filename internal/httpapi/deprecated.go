package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// deprecatedPrefixes maps legacy route prefixes, from older client
// versions of this API, onto their canonical replacements. Each alias
// is forwarded at the mux level rather than duplicated as a second
// route registration, so the alias always tracks the canonical
// handler's behavior.
var deprecatedPrefixes = map[string]string{
	"/central-channels": "/channels",
	"/central-servers":  "/message-servers",
	"/servers":          "/message-servers",
}

// mountDeprecatedAliases wires every legacy prefix onto a wildcard route
// that rewrites the path and re-dispatches through mux, marking the
// response Deprecated per spec's backward-compatibility note.
func (api *API) mountDeprecatedAliases(mux *chi.Mux) {
	for oldPrefix, newPrefix := range deprecatedPrefixes {
		oldPrefix, newPrefix := oldPrefix, newPrefix
		mux.Handle(oldPrefix, aliasHandler(mux, oldPrefix, newPrefix))
		mux.Handle(oldPrefix+"/*", aliasHandler(mux, oldPrefix, newPrefix))
	}
}

func aliasHandler(mux *chi.Mux, oldPrefix, newPrefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rewritten := r.Clone(r.Context())
		rewritten.URL.Path = newPrefix + strings.TrimPrefix(r.URL.Path, oldPrefix)
		rewritten.RequestURI = rewritten.URL.RequestURI()
		w.Header().Set("Deprecation", "true")
		w.Header().Set("Link", "<"+newPrefix+">; rel=\"successor-version\"")
		mux.ServeHTTP(w, rewritten)
	}
}
