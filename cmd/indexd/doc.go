// Package main boots the indexd service: it wires configured storage
// backends, provider adapters and the dispatcher behind the HTTP API.
package main
