// Package session keeps the registry of connected chat identities in Redis
// so that any server instance can look up who is behind a session ID.
package session
