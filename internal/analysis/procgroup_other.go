//go:build !unix

package analysis

import "os/exec"

// killGroupOnCancel keeps the default behavior of killing only the direct child.
func killGroupOnCancel(*exec.Cmd) {}
