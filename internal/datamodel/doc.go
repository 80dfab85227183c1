// Package datamodel holds the structured values exchanged with handlers:
// parameters going in and published output coming out.
//
// A value is plain JSON (objects, arrays, strings, numbers, booleans, null).
// Leaf values may be typed: a JSON object carrying the model keyword names a
// registered LeafType, and the whole object travels through text channels as
// a single "b64json://" string.
package datamodel
