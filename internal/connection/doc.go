// Package connection owns the transport lifecycle: connect, heartbeat,
// reconnect with backoff and close. It writes envelopes directly when the
// link is up and idle, and otherwise hands them to the outbound queue, whose
// processor slot it fills with Transmit or TransmitBatch.
//
// State lives on a single actor goroutine. Dialing, pings and transport
// events feed back into it as commands tagged with a generation number, so
// events from a transport that has since been replaced are ignored.
package connection
