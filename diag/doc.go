// Package diag provides one-way reporting from guest to host.
//
// Install adds debug_string and debug_bytes to a registry. RegisterValue
// and RegisterPointer add typed reporters for any marshalable aggregate,
// and InstallAggregates wires the Color and Dimensions reporters the demo
// cart imports. Reports go to a Sink, zap by default.
package diag
