// Package api exposes the REST surface of the daemon: trading request
// submission, DID registry management, reputation lookup, and health
// reporting. Authentication is carried by bearer session tokens verified
// against the identity registry.
package api
