// Package dispatch serializes commands to one device. The radio protocol
// answers one request at a time, so the dispatcher keeps a FIFO of pending
// commands, puts exactly one on the wire, and matches the acknowledgement
// back by sequence number. Unsolicited datapoint reports are decoded and
// fanned out to subscribers without touching the request slot.
package dispatch
