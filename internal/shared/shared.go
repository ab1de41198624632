// Package shared holds small helpers used across the protocol engines.
package shared

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	uuid "github.com/satori/go.uuid"
)

// RandString returns a base64 encoded string of n random bytes.
// Used for link names, which only need to be unique per container pair.
func RandString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("rand.Read: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewContainerID generates a default container-id for an OPEN frame when
// the application did not configure one.
func NewContainerID(prefix string) string {
	if prefix == "" {
		prefix = "amqp"
	}
	return prefix + "-" + uuid.NewV4().String()
}
