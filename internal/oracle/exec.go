package oracle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/cwbudde/pidtune/internal/space"
)

// ExitRejected is the exit status by which a simulation command rejects
// its parameters.
const ExitRejected = 2

// Exec runs an external simulation command once per evaluation. Parameters
// are passed as environment variables (KC=0.2 KI=0.01) and the command
// prints the response as CSV on stdout. The process group is killed when
// the evaluation times out.
type Exec struct {
	Command []string
	Dir     string
	Env     []string
}

func (e *Exec) Open(ctx context.Context) (Session, error) {
	if len(e.Command) == 0 {
		return nil, Rejected(errors.New("no simulation command configured"))
	}
	return e, nil
}

func (e *Exec) Close() error { return nil }

func (e *Exec) Simulate(ctx context.Context, params space.Vector) (*Response, error) {
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), e.Env...)
	for _, name := range params.Names() {
		cmd.Env = append(cmd.Env, name+"="+strconv.FormatFloat(params[name], 'g', -1, 64))
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole group so engines spawned by a wrapper script die too.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, Transient(ctx.Err())
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitRejected {
			return nil, Rejected(fmt.Errorf("%s: %s", e.Command[0], msg))
		}
		return nil, Transient(fmt.Errorf("%s: %w: %s", e.Command[0], err, msg))
	}

	// The command exited cleanly, so a rerun prints the same thing.
	resp, err := ReadCSV(&stdout)
	if err != nil {
		return nil, Rejected(fmt.Errorf("parse output of %s: %w", e.Command[0], err))
	}
	return resp, nil
}
