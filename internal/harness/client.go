package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/bnema/westeros/internal/compositor"
	"golang.org/x/sys/unix"
)

// crashScript replaces a helper client after it connected. The shell keeps
// the client's pid and dies from SIGSEGV.
var crashScript = []string{"sh", "-c", "kill -SEGV $$"}

// RunClient is the helper client launched by the launch scenarios. It
// connects to display, creates a surface and then either disconnects and
// exits normally or, with crash set, replaces itself with a process killed
// by SIGSEGV.
func RunClient(display string, crash bool) error {
	if display == "" {
		display = os.Getenv("WAYLAND_DISPLAY")
	}
	if display == "" {
		return errors.New("no display: WAYLAND_DISPLAY is not set")
	}

	conn, err := compositor.Connect(display)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.CreateSurface(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("create surface: %w", err)
	}

	if !crash {
		return conn.Close()
	}

	sh, err := exec.LookPath(crashScript[0])
	if err != nil {
		conn.Close()
		return err
	}
	// The socket is close-on-exec, so the compositor sees the disconnect
	// before the exit.
	return unix.Exec(sh, crashScript, os.Environ())
}
