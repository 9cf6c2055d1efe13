// Package ingest receives http_hooks callbacks from the SRS media server and
// feeds them into the room lifecycle.
//
// Callbacks are correlated only by stream key, which is untrusted input.
// Each raw payload is decoded into a Callback of a closed CallbackKind
// before the Gateway touches any room:
//
//   - on_publish   → ConfirmMediaStart, rejected with 403 unless the room is live
//   - on_unpublish → ConfirmMediaStop
//   - on_play      → RecordViewerJoin
//   - on_stop      → RecordViewerLeave
//
// Responses follow the SRS contract: a 200 with {"code":0} lets the session
// proceed, anything else rejects it. Transient storage failures return 503
// so SRS retries rather than losing a push-stop.
//
// Configuration is read from the environment by LoadConfigFromEnv:
//
//	LIVEROOM_SRS_HOOK_TOKEN     shared secret expected on every callback
//	LIVEROOM_STREAM_HTTP_URL    base for HTTP-FLV playback URLs
//	LIVEROOM_STREAM_HLS_URL     base for HLS playback URLs
//	LIVEROOM_STREAM_WEBRTC_URL  base for WebRTC playback and publish URLs
//	LIVEROOM_STREAM_APP         SRS application name, default "live"
package ingest
