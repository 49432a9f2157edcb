//go:build windows

package supervisor

func processAlive(int) bool { return false }
