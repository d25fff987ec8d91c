// Package ingress is the HTTP surface of the daemon. POST /v1/requests
// queues a devrel_request, DELETE /v1/sessions/{id} queues a session_close,
// and GET /v1/stream upgrades to a WebSocket that receives outbound events
// for one session (or all sessions when no session_id is given).
package ingress
