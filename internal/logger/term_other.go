//go:build !linux

package logger

import "io"

func IsTerminal(w io.Writer) bool {
	return false
}
