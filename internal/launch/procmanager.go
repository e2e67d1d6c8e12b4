package launch

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/botherd/botherd/internal/common/logger"
)

// OSProcessManager is the default ProcessManager: it spawns bot processes
// through the shell and signals them for termination. Spawned processes are
// detached from the manager's lifetime; cancelling the start context does
// not kill an already-running bot.
type OSProcessManager struct {
	logger *logger.Logger
}

// NewOSProcessManager creates the default process manager.
func NewOSProcessManager(log *logger.Logger) *OSProcessManager {
	if log == nil {
		log = logger.Default()
	}
	return &OSProcessManager{logger: log}
}

// Start spawns the command in cwd and returns its PID without waiting for
// it to exit. The title is informational only.
func (p *OSProcessManager) Start(ctx context.Context, command, cwd, title string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if command == "" {
		return 0, fmt.Errorf("empty command")
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = cwd
	// Own process group so stop signals do not hit the fleet manager.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid

	// Reap the child when it exits so it never lingers as a zombie.
	go func() {
		_ = cmd.Wait()
	}()

	p.logger.Info("Process started",
		zap.Int("pid", pid),
		zap.String("title", title),
		zap.String("cwd", cwd))
	return pid, nil
}

// Stop requests graceful termination with SIGTERM.
func (p *OSProcessManager) Stop(ctx context.Context, pid int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	p.logger.Info("Sent SIGTERM", zap.Int("pid", pid))
	return nil
}

// Kill terminates the process immediately with SIGKILL.
func (p *OSProcessManager) Kill(ctx context.Context, pid int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill pid %d: %w", pid, err)
	}
	p.logger.Info("Sent SIGKILL", zap.Int("pid", pid))
	return nil
}
