// Package bridge relays UDP advertisements to the visualization service.
//
// A Session is single-flight: each datagram runs through
// Forwarding -> AwaitingResponse -> Dispatching before the next one is
// received. Transport faults close the session; malformed bodies and
// service-reported errors only fail the current iteration.
//
// Sessions share no state. Run one Session per UDP source.
package bridge
