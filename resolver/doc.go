// Package resolver finds guest exports and calls them with checked
// arguments.
//
// Lookup pairs an export name with a prototype in the bridge signature
// grammar and fails unless the engine's prototype matches it exactly.
// The returned Export converts Go arguments to stack words, resolving
// memory handles to guest offsets, and refuses calls whose argument
// count or types differ from the prototype. Nothing is truncated or
// padded.
package resolver
