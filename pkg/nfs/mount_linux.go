//go:build linux

package nfs

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

func mount(source, target, options string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return err
	}
	return syscall.Mount(source, target, "nfs", 0, options)
}

func unmount(target string) error {
	return syscall.Unmount(target, 0)
}

// isMounted reports whether target appears as a mount point in /proc/mounts.
func isMounted(target string) bool {
	file, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer file.Close()

	target = filepath.Clean(target)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && filepath.Clean(fields[1]) == target {
			return true
		}
	}
	return false
}
