package runner

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/runq/internal/config"
	"github.com/orrn/runq/internal/core"
)

// startFailureExitCode marks attempts whose process never started, so they
// stay distinguishable from real exit codes in job snapshots.
const startFailureExitCode = -1

// Runner launches job processes through the configured runner script and
// reports their outcome back to the scheduler. It implements core.Launcher.
type Runner struct {
	cfg *config.RunnerConfig
	log zerolog.Logger
}

func New(cfg *config.RunnerConfig, log zerolog.Logger) *Runner {
	if cfg == nil {
		cfg = &config.RunnerConfig{
			Script:        "./scripts/run_job.sh",
			WindowsScript: `.\scripts\run_job.bat`,
		}
	}
	return &Runner{cfg: cfg, log: log}
}

// Launch hands the attempt to its own goroutine and returns immediately.
func (r *Runner) Launch(name string, args []string, started func(pid int), done func(core.LaunchResult)) {
	go r.run(name, args, started, done)
}

func (r *Runner) run(name string, args []string, started func(pid int), done func(core.LaunchResult)) {
	cmd := r.command(name, args)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		r.log.Error().Str("name", name).Err(err).Msg("process failed to start")
		done(core.LaunchResult{
			ExitCode: startFailureExitCode,
			Err:      fmt.Errorf("failed to start process: %w", err),
		})
		return
	}
	if started != nil {
		started(cmd.Process.Pid)
	}

	// The configured timeout is advisory: a slow job is reported, never
	// pre-empted. Completion is always the process's own exit.
	if r.cfg.JobTimeout > 0 {
		pid := cmd.Process.Pid
		watchdog := time.AfterFunc(r.cfg.JobTimeout, func() {
			r.log.Warn().Str("name", name).Int("pid", pid).Dur("timeout", r.cfg.JobTimeout).Msg("job exceeded advisory timeout, still waiting")
		})
		defer watchdog.Stop()
	}

	err := cmd.Wait()
	res := core.LaunchResult{Output: output.String()}
	if err != nil {
		res.Err = err
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = startFailureExitCode
		}
	}
	done(res)
}

// command composes the launch for the current platform: runner script
// followed by the job name and its arguments.
func (r *Runner) command(name string, args []string) *exec.Cmd {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		argv := append([]string{"/C", r.cfg.WindowsScript, name}, args...)
		cmd = exec.Command("cmd", argv...)
	} else {
		argv := append([]string{r.cfg.Script, name}, args...)
		cmd = exec.Command("/bin/sh", argv...)
	}
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	return cmd
}
