// Package marshal converts Go aggregates to and from the forms that cross
// the host/guest boundary.
//
// An aggregate is a struct or fixed-size array built from bool, sized
// integers and floats. Its Layout places fields in declaration order at
// natural alignment, little-endian, the same image a C compiler for a
// 32-bit target produces. Padding is written as zero.
//
// Two transfer styles are supported:
//
//   - By value: Flatten expands the aggregate depth-first into one stack
//     word per primitive field. Unflatten reverses it and rejects a word
//     count that differs from the field count, or a word that does not fit
//     its field.
//   - By reference: PassByReference encodes the aggregate into guest
//     memory through a memory.Bridge and returns a handle. ReadReference
//     and ReadAt decode an image already in guest memory.
//
// Color and Dimensions are the aggregates used by the diagnostic imports.
package marshal
