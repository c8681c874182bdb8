//go:build js && wasm

package lockfile

import "os"

// File locks are no-ops in WASM (single-process environment).

func flockShared(f *os.File) error    { return nil }
func flockExclusive(f *os.File) error { return nil }
func flockUnlock(f *os.File) error    { return nil }
