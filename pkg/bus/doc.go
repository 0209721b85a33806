// Package bus implements the Enhanced Agent Bus's wire-level data model:
// an in-process message bus that routes structured messages between
// cooperating agents under a constitutional-governance regime.
//
// Message carries the wire-level data model: priority, type, lifecycle
// status, routing context, and the constitutional hash every message
// must carry. The top-level facade that owns the queues, background
// workers, and wiring between the registry, router,
// validation/processing strategies, role enforcer, and deliberation
// router lives in package agentbus, to avoid an import cycle through
// package processor (see agentbus's package doc).
package bus
