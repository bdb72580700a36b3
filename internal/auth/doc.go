// Package auth issues and verifies the bearer tokens used on the relay's
// STOMP CONNECT frame and on the room API.
package auth
