// Package protocol owns the session wire contract.
//
// Ownership boundary:
// - system message id table (below IDUserPacketEnum)
// - optional timestamp wrapper
// - application envelope: [IDUserPacketEnum][u32 message id][payload]
// - engine message ids carried inside the application envelope
//
// Structured payloads use the tlv subpackage; stream transports frame
// packets with the frame subpackage.
package protocol
