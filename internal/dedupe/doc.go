// Package dedupe tracks outbound chat sends that are waiting for the broker's
// echo on the sender's own topic.
//
// The broker publishes every accepted send twice: once to the recipient's
// topic and once back to the sender's. A session marks each send it publishes
// and consumes the mark when the echo arrives, so the echo does not show up as
// a second copy of the optimistic message. Marks expire after a TTL; an echo
// that arrives later than that is treated as a fresh inbound message.
//
// Keys are counted: sending the same text twice records two marks and absorbs
// two echoes.
package dedupe
