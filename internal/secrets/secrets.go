// Package secrets keeps provider API keys in memguard-locked buffers so the
// plaintext never sits in ordinary heap memory between load and use.
package secrets

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// Value is a memory-protected secret.
type Value struct {
	buf     *memguard.LockedBuffer
	invalid bool
}

// New creates a protected value from plaintext.
func New(plaintext string) *Value {
	return &Value{buf: memguard.NewBufferFromBytes([]byte(plaintext))}
}

// FromEnv resolves an API key from a literal value or an environment variable
// name, preferring the literal. Returns an error when neither yields a key.
func FromEnv(literal, envVar string) (*Value, error) {
	if literal != "" {
		return New(literal), nil
	}
	if envVar != "" {
		if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
			return New(v), nil
		}
		return nil, fmt.Errorf("environment variable %s is not set", envVar)
	}
	return nil, fmt.Errorf("no api key configured")
}

// Reveal returns a plaintext copy. The copy lives in regular memory; callers
// should not retain it longer than needed.
func (v *Value) Reveal() string {
	if v == nil || v.invalid || v.buf == nil {
		return ""
	}
	return string(v.buf.Bytes())
}

// IsEmpty reports whether the value holds no secret.
func (v *Value) IsEmpty() bool {
	if v == nil || v.invalid || v.buf == nil {
		return true
	}
	return len(v.buf.Bytes()) == 0
}

// Equal compares against plaintext in constant time.
func (v *Value) Equal(other string) bool {
	if v == nil || v.invalid || v.buf == nil {
		return other == ""
	}
	return subtle.ConstantTimeCompare(v.buf.Bytes(), []byte(other)) == 1
}

// Destroy wipes the secret. The value must not be used afterwards.
func (v *Value) Destroy() {
	if v == nil || v.invalid {
		return
	}
	if v.buf != nil {
		v.buf.Destroy()
		v.buf = nil
	}
	v.invalid = true
}
