package api

import (
	"net/http"
	"regexp"
	"slices"

	"github.com/go-chi/cors"

	"github.com/JakeFAU/doris-feishu-pusher/internal/config"
)

// newCORS builds the cross-origin middleware. Origins are matched by
// allowOrigin so the allow-origin header echoes the caller, which browsers
// require when credentials are allowed.
func newCORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc:  allowOrigin(cfg),
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		ExposedHeaders:   cfg.ExposedHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAgeSeconds,
	})
}

func allowOrigin(cfg config.CORSConfig) func(*http.Request, string) bool {
	wildcard := slices.Contains(cfg.AllowedOrigins, "*")
	var pattern *regexp.Regexp
	if cfg.OriginPattern != "" {
		// Validated at config load; anchored for a full match.
		pattern = regexp.MustCompile(`^(?:` + cfg.OriginPattern + `)$`)
	}
	return func(_ *http.Request, origin string) bool {
		if wildcard || slices.Contains(cfg.AllowedOrigins, origin) {
			return true
		}
		return pattern != nil && pattern.MatchString(origin)
	}
}
