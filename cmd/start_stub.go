//go:build !linux
// +build !linux

package cmd

import (
	"fmt"
	"runtime"
)

// RunStart requires the Linux netfilter subsystem.
func RunStart(configFile string) error {
	return fmt.Errorf("the agent enforces via nftables and only runs on linux (this is %s)", runtime.GOOS)
}
