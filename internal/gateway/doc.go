// ABOUTME: Package documentation for the gateway orchestrator
// ABOUTME: Describes the HTTP surface, WebSocket transport and lifecycle

// Package gateway is the outer surface of storygate. It wires the session
// store, channel registry, conversation engine, cross-channel syncer and
// notifier together and fronts them with one HTTP server.
//
// # HTTP API
//
// Routes registered in gateway.go, handlers in api.go:
//
//   - POST /api/conversations - start or attach a conversation
//   - POST /api/messages - direct_api channel inbound, one turn per request
//   - POST /api/sessions/{id}/switch - channel handoff
//   - DELETE /api/sessions/{id} - end the conversation
//   - GET /api/sessions/{id}/sync - syncer health signal for one session
//   - GET /api/sessions/{id}/conflicts - conflict records for one session
//   - GET /health - liveness check
//   - GET /health/ready - readiness check
//   - GET /ws/chat - web_chat WebSocket transport
//
// # WebSocket Transport
//
// /ws/chat speaks JSON text frames. The client opens the socket with user_id
// (and optionally session_id) query parameters; the server answers with a
// "session" frame carrying the session id, then processes "message", "stream"
// and "end" frames. Sync and conflict events for the session are pushed as
// "event" frames as they happen.
//
// # Lifecycle
//
// New builds the component graph from config. Run listens, serves, sweeps
// idle sessions on a ticker and blocks until the context is canceled, then
// performs a graceful shutdown: HTTP drain, syncer flush, store close.
package gateway
