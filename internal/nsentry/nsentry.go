// Package nsentry runs a closure inside another network namespace and
// restores the caller's namespace on every exit path, mirroring
// original_source/tcp_splice.c's NS_CALL/ns_enter idiom.
package nsentry

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// Do opens nsPath (typically /proc/<pid>/ns/net or a bind-mounted
// namespace file), switches the calling OS thread into it, runs fn,
// and restores the original namespace before returning - including
// when fn panics. The caller must not assume any other goroutine runs
// on this thread concurrently; Do locks the OS thread for its
// duration.
//
// fn may touch only state reachable through its own closure, never
// package-level state (spec.md 5's "callbacks may touch only their
// passed-in argument, never globals").
func Do(nsPath string, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	self, err := os.Open("/proc/self/ns/net")
	if err != nil {
		return fmt.Errorf("nsentry: open current namespace: %w", err)
	}
	defer self.Close()

	target, err := os.Open(nsPath)
	if err != nil {
		return fmt.Errorf("nsentry: open target namespace %q: %w", nsPath, err)
	}
	defer target.Close()

	if err := unix.Setns(int(target.Fd()), unix.CLONE_NEWNET); err != nil {
		return fmt.Errorf("nsentry: setns(%q): %w", nsPath, err)
	}

	defer func() {
		if rerr := unix.Setns(int(self.Fd()), unix.CLONE_NEWNET); rerr != nil {
			// Nothing to recover into; surface via panic since the
			// process is now stuck in the wrong namespace.
			panic(fmt.Errorf("nsentry: failed to restore original namespace: %w", rerr))
		}
	}()

	return fn()
}
