// Package conversation manages open chat threads on top of the shared
// transport.
//
// # Overview
//
// A Directory belongs to the local identity. It lists the user's threads,
// opens a Session per peer, and owns the single inbox subscription
// (/topic/messages/{me}) that every session shares. Inbound frames are routed
// to the session whose peer matches, so sessions never see each other's
// messages.
//
//	dir, _ := conversation.NewDirectory(me, tr, apiClient, conversation.Options{})
//	s, _ := dir.OpenThread(ctx, "bob@example.com")
//	_ = s.WaitLoaded(ctx)
//	err := s.Send(ctx, "hello")
//
// # Sessions
//
// A session starts Loading while its history is fetched and becomes Ready
// when the fetch settles, with an empty log and Err set if it failed.
// CloseThread cancels the fetch and any late result is discarded.
//
// Send appends an optimistic message at once, then publishes it. Only one
// send may be outstanding. If the transport is not connected the message is
// left Unconfirmed and the connection overlay moves to Reconnecting; the
// message is never resent automatically.
//
// # Echoes
//
// The broker echoes each send on the sender's own topic. Outstanding sends are
// recorded in a short-lived cache; an own-authored frame that matches one
// confirms the optimistic message instead of being appended a second time.
// Own-authored frames sent from other devices are appended normally.
//
// # Updates
//
// Observers receive Update values through Session.Updates or, for every
// thread including ones that are not open, Directory.Updates.
package conversation
