// Package resolver decides what to do when the local and server copies of
// an entity have diverged, and merges them field by field when it can.
//
// The resolver is pure apart from the user preference table, which it
// persists through a MetadataStore under conflict_pref:<kind>:<type>.
// Manual decisions are handed out as Tickets that the caller settles later.
package resolver
