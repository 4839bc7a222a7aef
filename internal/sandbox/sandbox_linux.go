//go:build linux

// Package sandbox locks down the process that evaluates app-supplied helper
// scripts. The restrictions are one-way: once applied they hold for the
// lifetime of the process, which is why script evaluation runs in a dedicated
// child process rather than in the main binary.
package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// landlockFSAccess covers every filesystem right of landlock ABI v1. A
// ruleset that handles all of them and grants none denies the filesystem
// outright.
const landlockFSAccess = unix.LANDLOCK_ACCESS_FS_EXECUTE |
	unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
	unix.LANDLOCK_ACCESS_FS_READ_FILE |
	unix.LANDLOCK_ACCESS_FS_READ_DIR |
	unix.LANDLOCK_ACCESS_FS_REMOVE_DIR |
	unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
	unix.LANDLOCK_ACCESS_FS_MAKE_CHAR |
	unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
	unix.LANDLOCK_ACCESS_FS_MAKE_REG |
	unix.LANDLOCK_ACCESS_FS_MAKE_SOCK |
	unix.LANDLOCK_ACCESS_FS_MAKE_FIFO |
	unix.LANDLOCK_ACCESS_FS_MAKE_BLOCK |
	unix.LANDLOCK_ACCESS_FS_MAKE_SYM

// Restrict denies the calling process all filesystem access and forbids
// privilege escalation. It must be called before any script text is
// evaluated.
func Restrict() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}
	attr := unix.LandlockRulesetAttr{Access_fs: landlockFSAccess}
	fd, err := unix.LandlockCreateRuleset(&attr, 0)
	if err != nil {
		return fmt.Errorf("create landlock ruleset: %w", err)
	}
	defer unix.Close(fd)
	if err := unix.LandlockRestrictSelf(fd, 0); err != nil {
		return fmt.Errorf("apply landlock ruleset: %w", err)
	}
	return nil
}

// Supported reports whether this build can apply the restrictions.
func Supported() bool { return true }
