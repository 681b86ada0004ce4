/*
Package api exposes the delivery controller over HTTP and the daemon's
health over the gRPC health protocol.

# Architecture

	┌────────────── CLIENT (infusion CLI, scripts) ──────────────┐
	│   POST /v1/bolus   GET /v1/state   GET /v1/events (SSE)     │
	└───────────────────────────┬─────────────────────────────────┘
	                            │ HTTP/JSON (api.listen)
	┌───────────────────────────▼─────────────────────────────────┐
	│  Server                                                     │
	│   - decodes requests, strict JSON                           │
	│   - calls controller.Controller (blocks until the pump      │
	│     answers or the request context ends)                    │
	│   - maps controller errors to status codes                  │
	│   - /health /ready /live /metrics from pkg/metrics          │
	└───────────────────────────┬─────────────────────────────────┘
	                            │
	┌───────────────────────────▼─────────────────────────────────┐
	│  HealthService (grpc.health.v1, grpc.listen)                │
	│   ""                 SERVING when critical components ready │
	│   infusion.Delivery  NOT_SERVING while an outcome is unknown│
	└─────────────────────────────────────────────────────────────┘

# Routes

	POST /v1/schedule            {"entries":[{"start":"00:00","rate":0.8}]}
	POST /v1/bolus               {"units":2.5}
	POST /v1/bolus/cancel
	POST /v1/temp-basal          {"rate":1.5,"duration":"90m"}
	POST /v1/temp-basal/cancel
	POST /v1/suspend             {"reminder":"30m"} (body optional)
	POST /v1/resume
	GET  /v1/state
	GET  /v1/status[?refresh=true]
	GET  /v1/doses[?from=RFC3339&to=RFC3339]
	GET  /v1/events

# Errors

Every failure is an ErrorResponse with a stable code:

	400 invalid_request   validation failed, nothing was sent
	409 busy              same category change still outstanding
	409 conflict          suspended, not suspended, nothing to cancel
	202 unconfirmed       command may have been applied; do not retry
	503 unconfirmed       earlier outcome unknown and the pump is unreachable
	502 device_error      pump refused the command, safe to retry
	502 device_fault      pump is in a terminal alarm state
	504 timeout           request context ended

A 202 carries the command_id. The reconciler settles it against the pump's
last applied command; GET /v1/state shows unconfirmed=false once it has.

# Listeners

The command API should stay on a loopback address. The metrics listener
wraps the same handler in ReadOnly so state and metrics can be scraped from
elsewhere without exposing delivery commands.
*/
package api
