// Package protocol owns the viz-service wire contract and its error kinds.
//
// Ownership boundary:
// - frame: length-prefixed request/response envelopes
// - matrix: run-length/NaN-sentinel matrix compression
// - render: render-request and response JSON schemas
package protocol
