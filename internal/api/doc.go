// Package api serves the fold-relay operator API.
//
// All routes under /api/ require a bearer JWT (see package auth); /health
// is open for load balancers.
//
//	GET  /health
//	GET  /api/failures?limit=N           unresolved delivery failures, newest first
//	POST /api/failures/{id}/retry        put a failed job back at the head of its line
//	POST /api/failures/{id}/skip         drop a failed job and release the rest
//	GET  /api/stalled                    jobs in flight past the stall threshold
//	POST /api/jobs/{id}/requeue          revoke a stalled claim
//	GET  /api/conversations/jobs?key=K   queued jobs of one conversation
//	GET  /api/conversations/sent?key=K   recently delivered chunks
//	POST /api/conversations/close        {"key": "tenant:conversation"}
//	GET  /api/events[?key=K][&type=T]    server-sent pipeline events
//
// Conversation keys are "tenant:conversation". Errors are JSON objects with
// a single "error" field.
package api
