// Package api hosts the HTTP handlers of the room management API.
//
// Handler delegates every state change to the room lifecycle injected at
// construction time and never touches storage directly; reads and writes go
// through the same conditional transitions the media server callbacks and
// the liveness sweep use. Authentication is resolved by middleware in
// internal/server, which places an auth.Identity on the request context;
// handlers only decide whether a route needs one and whether the caller
// owns the room.
//
// Lifecycle failures are rendered as {"error": message, "code": code} with
// the status implied by their kind: validation 400, not found 404,
// authorization 403, conflict 409, transient 503.
package api
