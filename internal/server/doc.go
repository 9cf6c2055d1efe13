// Package server assembles the liveroom HTTP surface: the room API, the SRS
// hook endpoints, the notification and signaling sockets, and /metrics.
//
// Every route shares one middleware chain: request ids, request logging,
// metrics, security headers, CORS, rate limiting and token authentication.
package server
