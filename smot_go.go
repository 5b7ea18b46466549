package smot

import (
	"github.com/HengLan/SMOT/options"
)

// NewGoSession creates a session that runs graphs with the pure Go backend.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}
