//go:build !linux

package guest

func setParentDeathSignal() {}
