package broker

import (
	"crypto/rand"
	"fmt"
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// TokenLength is the length of connection and ping tokens.
const TokenLength = 64

// NewToken returns a fresh 64-character alphanumeric capability token.
// Tokens key both the pending store and the active registry; a collision is
// treated as fatal by the caller rather than retried.
func NewToken() string {
	buf := make([]byte, TokenLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("broker: reading random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf)
}
