//go:build !unix

package worker

import (
	"os"
	"os/exec"
)

func setProcAttr(cmd *exec.Cmd) {}

// There is no graceful termination signal on these platforms.
func terminate(p *os.Process) error {
	return p.Kill()
}

func kill(p *os.Process) error {
	return p.Kill()
}
