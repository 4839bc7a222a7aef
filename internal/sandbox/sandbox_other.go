//go:build !linux

package sandbox

import "errors"

// Restrict is unavailable outside Linux; callers must refuse to evaluate
// untrusted scripts unless isolation has been explicitly waived.
func Restrict() error {
	return errors.New("script isolation requires linux")
}

// Supported reports whether this build can apply the restrictions.
func Supported() bool { return false }
