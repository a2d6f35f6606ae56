// Package toolhub implements the client side of a capability-negotiated,
// bidirectional JSON-RPC protocol for talking to pluggable tool servers. A Hub
// holds one negotiated connection per named server and exposes calls, progress
// reporting, cooperative cancellation, and task-augmented execution on top of
// stdio, SSE, and streamable HTTP transports.
//
// Connections are declared through a Config and kept in sync with it via
// Reconcile; a Watcher can drive reconciliation from a config file on disk.
package toolhub
