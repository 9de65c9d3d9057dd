// Package broadcast owns the viewer connections of this process.
//
// Registry is an actor: one goroutine owns the gym -> peer map and every
// subscribe, unsubscribe and broadcast is a command on its channel, so no
// mutex guards the map. Each peer has its own write goroutine and a bounded
// buffer; a peer that cannot keep up is pruned instead of slowing the gym down.
package broadcast
