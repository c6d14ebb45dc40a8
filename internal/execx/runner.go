// Package execx runs external commands for the package and configuration
// adapters.
package execx

import (
	"io"
	"os"
	"os/exec"
	"syscall"

	"bpro-go/internal/bp"
)

// Runner implements bp.Runner on top of os/exec. Child stderr is merged
// into the tool's output stream; non-interactive children get no stdin and
// a noninteractive frontend environment.
type Runner struct {
	out io.Writer
}

var _ bp.Runner = (*Runner)(nil)

func NewRunner(out io.Writer) *Runner {
	return &Runner{out: out}
}

func (r *Runner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (r *Runner) Output(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Stderr = r.out
	return cmd.Output()
}

func (r *Runner) OutputAsUser(uid, gid int, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Stderr = r.out
	setCredential(cmd, uid, gid)
	return cmd.Output()
}

func (r *Runner) Run(interactive bool, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	r.attach(cmd, interactive)
	return cmd.Run()
}

func (r *Runner) RunAsUser(interactive bool, uid, gid int, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	r.attach(cmd, interactive)
	setCredential(cmd, uid, gid)
	return cmd.Run()
}

func (r *Runner) attach(cmd *exec.Cmd, interactive bool) {
	cmd.Stdout = r.out
	cmd.Stderr = r.out
	if interactive {
		cmd.Stdin = os.Stdin
	} else {
		cmd.Env = append(os.Environ(), "DEBIAN_FRONTEND=noninteractive")
	}
}

func setCredential(cmd *exec.Cmd, uid, gid int) {
	if uid == os.Getuid() && gid == os.Getgid() {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}
}
