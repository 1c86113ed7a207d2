// Package keyenc implements GaldrDb's order-preserving key encoder
// (spec.md §4.4): it turns a typed scalar into a byte string such that
// unsigned byte-lexicographic comparison matches the value's natural
// ordering, so B+-tree range and prefix queries can be expressed as plain
// byte ranges.
package keyenc
