// Package wire implements the MoQ Transport wire codec: variable-length
// integers, namespace tuples, key-value extension headers, the control
// message catalog, and data-plane framing for subgroup streams and
// datagrams. Exactly one draft version is supported; see Version.
//
// This package contains no session or relay logic; those higher-level
// concerns live in [github.com/zsiec/moqd/relay].
package wire
