//go:build !linux

package rpc

import "errors"

func hostMemory() (free, total uint64, err error) {
	return 0, 0, errors.New("host memory detection is only supported on linux")
}
