// Package core implements the actor abstraction of the runtime.
//
// An Actor owns a route table, a continuation map for pending asks, and an
// ordered list of acquaintances. Handlers receive a Context, the only way an
// actor talks to the node it lives on. The node side of that boundary is the
// Engine interface, implemented by cluster.Node.
package core
