//go:build linux

package rpc

import "golang.org/x/sys/unix"

// hostMemory reports free and total RAM of this machine.
func hostMemory() (free, total uint64, err error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, err
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return uint64(info.Freeram) * unit, uint64(info.Totalram) * unit, nil
}
