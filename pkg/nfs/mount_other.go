//go:build !linux

package nfs

import (
	"fmt"

	"digital.vasic.nexuscloud/pkg/remoteerr"
)

func mount(source, target, options string) error {
	return remoteerr.Wrap(remoteerr.KindUnsupportedOperation, "mount", target,
		fmt.Errorf("mounting NFS exports is only supported on Linux; pre-mount %s", source))
}

func unmount(target string) error {
	return nil
}

// isMounted cannot inspect the mount table here; the mount point is used as is.
func isMounted(target string) bool {
	return true
}
