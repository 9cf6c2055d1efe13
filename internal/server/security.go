package server

import "net/http"

// The server only speaks JSON and WebSockets, so responses may not load or
// frame anything.
const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultContentTypeOptions    = "nosniff"
)

// SecurityConfig overrides the hardening headers set on every response.
// Zero-valued fields use the defaults; HSTSMaxAge is only sent over TLS.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	HSTSMaxAge            string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
		header.Set("X-Frame-Options", effective.FrameOptions)
		header.Set("X-Content-Type-Options", defaultContentTypeOptions)
		header.Set("Referrer-Policy", effective.ReferrerPolicy)
		if r.TLS != nil && effective.HSTSMaxAge != "" {
			header.Set("Strict-Transport-Security", "max-age="+effective.HSTSMaxAge)
		}
		next.ServeHTTP(w, r)
	})
}
