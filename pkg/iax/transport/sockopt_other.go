//go:build !linux && !darwin && !windows

package transport

func setBuffers(uintptr, int) error { return nil }
func setDSCP(uintptr, int) error    { return nil }
func setReusePort(uintptr) error    { return nil }
func setPriority(uintptr) error     { return nil }
