// Package domain defines the core presence types and the contracts between them.
//
// Concept-oriented files (climber.go, event.go, presence.go, errors.go) hold shared types
// and consumer-side interfaces. No implementation code - just contracts.
package domain
