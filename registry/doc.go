// Package registry holds the host functions a guest may import.
//
// Functions are registered under a namespace and name with a prototype in
// the bridge signature grammar, e.g. "(iiii)" or "(*)". Registration
// rejects malformed prototypes and duplicate names up front.
//
// Bind freezes the registrations into an ImportTable. An instance is
// always built from one table, so functions registered afterwards never
// reach instances that already exist. The table validates a guest's
// declared imports and lowers itself into engine host imports.
package registry
