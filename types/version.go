// Package types defines the wire and domain types shared by the treesync
// client, relay and webhook server.
//
//nolint:revive // types is a common Go package naming convention
package types

// Version is the canonical project version.
// The client library, relay protocol and webhook contract share this version.
const Version = "0.3.0"
