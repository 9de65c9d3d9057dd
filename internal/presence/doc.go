// Package presence implements the climber side of the system: parsing upload
// actions, the per-connection session state machine and the viewer snapshot.
//
// A Session is owned by one connection goroutine and is not safe for
// concurrent use. Everything shared lives behind domain.PresenceStore.
package presence
