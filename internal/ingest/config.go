package ingest

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Config holds the hook secret and the bases used to build stream URLs.
type Config struct {
	HookToken string
	HTTPURL   string
	HLSURL    string
	WebRTCURL string
	App       string
}

// StreamURLs are the playback endpoints for one stream key.
type StreamURLs struct {
	FLV    string `json:"flv,omitempty"`
	HLS    string `json:"hls,omitempty"`
	WebRTC string `json:"webrtc,omitempty"`
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		HookToken: strings.TrimSpace(os.Getenv("LIVEROOM_SRS_HOOK_TOKEN")),
		HTTPURL:   strings.TrimSpace(os.Getenv("LIVEROOM_STREAM_HTTP_URL")),
		HLSURL:    strings.TrimSpace(os.Getenv("LIVEROOM_STREAM_HLS_URL")),
		WebRTCURL: strings.TrimSpace(os.Getenv("LIVEROOM_STREAM_WEBRTC_URL")),
		App:       strings.TrimSpace(os.Getenv("LIVEROOM_STREAM_APP")),
	}
	if cfg.App == "" {
		cfg.App = "live"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures every configured base is an absolute URL.
func (c Config) Validate() error {
	var errs []error
	check := func(name, value string, schemes ...string) {
		if value == "" {
			return
		}
		parsed, err := url.Parse(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		if parsed.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL", name))
			return
		}
		for _, scheme := range schemes {
			if strings.EqualFold(parsed.Scheme, scheme) {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s scheme must be one of %s", name, strings.Join(schemes, ", ")))
	}
	check("LIVEROOM_STREAM_HTTP_URL", c.HTTPURL, "http", "https")
	check("LIVEROOM_STREAM_HLS_URL", c.HLSURL, "http", "https")
	check("LIVEROOM_STREAM_WEBRTC_URL", c.WebRTCURL, "webrtc", "http", "https")
	if strings.ContainsAny(c.App, "/?#") {
		errs = append(errs, fmt.Errorf("LIVEROOM_STREAM_APP must be a single path segment"))
	}
	return errors.Join(errs...)
}

// StreamURLs builds playback URLs for streamKey. Unconfigured bases yield
// empty fields.
func (c Config) StreamURLs(streamKey string) StreamURLs {
	key := url.PathEscape(streamKey)
	urls := StreamURLs{}
	if c.HTTPURL != "" {
		urls.FLV = joinURL(c.HTTPURL, key+".flv")
	}
	if c.HLSURL != "" {
		urls.HLS = joinURL(c.HLSURL, key+".m3u8")
	}
	if c.WebRTCURL != "" {
		urls.WebRTC = joinURL(c.WebRTCURL, key)
	}
	return urls
}

// PublishURL is the WebRTC (WHIP-style) publish endpoint for streamKey,
// under the configured application.
func (c Config) PublishURL(streamKey string) string {
	if c.WebRTCURL == "" {
		return ""
	}
	base := strings.TrimRight(c.WebRTCURL, "/")
	if app := strings.Trim(c.App, "/"); app != "" && !strings.HasSuffix(base, "/"+app) {
		base += "/" + app
	}
	return base + "/" + url.PathEscape(streamKey)
}

func joinURL(base, leaf string) string {
	return strings.TrimRight(base, "/") + "/" + leaf
}
