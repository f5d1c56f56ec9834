// Package keyhash derives the cache identity of a query key.
//
// A query key is an ordered, JSON-like list. Two keys that are structurally
// equal must resolve to the same cache entry, so identity is a canonical JSON
// text rather than a pointer:
//   - object keys are sorted by UTF-16 code units at every depth
//   - array order is preserved
//   - numbers, strings and literals are written the way JavaScript's
//     JSON.stringify writes them
//
// The output must stay byte-compatible with other processes that persist or
// broadcast the same cache, so Hash is the ONLY function that should be used to
// derive a query hash.
package keyhash
