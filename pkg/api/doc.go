// Package api defines the shared vocabulary of the loom engine: flow and
// step declarations, execution and invocation records, step results, the
// throttling policy value type, credential envelopes, and the wire shapes
// of lifecycle events. Every other package speaks in these types.
package api
