// Package dispatch routes inbound envelopes. A frame whose id matches a
// pending request settles that request; every other frame is fanned out to
// subscribers of its type and then to wildcard subscribers. The most recent
// envelopes are kept in a bounded buffer for diagnostics.
package dispatch
