// Package harness runs the westeros emulation scenarios. Each scenario
// drives real compositor instances in-process, the way a device test run
// would, and reports pass, fail or skip.
package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bnema/westeros/internal/logger"
	"github.com/bnema/westeros/internal/ui"
	"github.com/charmbracelet/log"
)

// DefaultWatchdog is how long one scenario may run.
const DefaultWatchdog = 30 * time.Second

var (
	// ErrSkip marks a scenario that cannot run in this environment.
	ErrSkip = errors.New("skipped")
	// ErrUnknownScenario is returned by Select for a name not registered.
	ErrUnknownScenario = errors.New("unknown test")
	// ErrWatchdog is the failure of a scenario that did not finish in time.
	ErrWatchdog = errors.New("watchdog expired")
	// ErrInterrupted is the failure of a scenario whose run was cancelled.
	ErrInterrupted = errors.New("interrupted")
)

// Env is what scenarios may depend on.
type Env struct {
	// ClientCommand launches a helper client that connects to
	// $WAYLAND_DISPLAY. The crash flag is appended for clients that must
	// die from SIGSEGV after connecting. Empty skips launch scenarios.
	ClientCommand string
	// UInputPath is the uinput device used by the hardware input scenario.
	UInputPath string
	Log        *log.Logger
}

// Scenario is one named test.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, env *Env) error
}

// Scenarios returns every scenario in run order.
func Scenarios() []Scenario {
	return append([]Scenario(nil), scenarios...)
}

// Names returns the scenario names sorted.
func Names() []string {
	names := make([]string, 0, len(scenarios))
	for _, s := range scenarios {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// Select returns the scenario called name, or all of them for "".
func Select(name string) ([]Scenario, error) {
	if name == "" {
		return Scenarios(), nil
	}
	for _, s := range scenarios {
		if s.Name == name {
			return []Scenario{s}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownScenario, name)
}

// Runner runs scenarios one after another under a watchdog.
type Runner struct {
	Env      *Env
	Watchdog time.Duration
	// OnResult is called after each scenario.
	OnResult func(ui.Result)
}

// Run executes scenarios and returns their results in order. A scenario
// that outlives the watchdog is reported failed and ends the run: it still
// holds its compositors, so later results could not be trusted. The caller
// is expected to exit, which is the only way to reclaim it.
func (r *Runner) Run(ctx context.Context, list []Scenario) []ui.Result {
	env := r.Env
	if env == nil {
		env = &Env{}
	}
	if env.Log == nil {
		env.Log = logger.Logger
	}
	watchdog := r.Watchdog
	if watchdog <= 0 {
		watchdog = DefaultWatchdog
	}

	results := make([]ui.Result, 0, len(list))
	for _, s := range list {
		res, hung := r.runOne(ctx, s, env, watchdog)
		results = append(results, res)
		if r.OnResult != nil {
			r.OnResult(res)
		}
		if hung {
			env.Log.Error("aborting run", "test", s.Name, "remaining", len(list)-len(results))
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

func (r *Runner) runOne(ctx context.Context, s Scenario, env *Env, watchdog time.Duration) (ui.Result, bool) {
	sctx, cancel := context.WithTimeout(ctx, watchdog)
	defer cancel()

	start := time.Now()
	env.Log.Debug("scenario start", "test", s.Name)
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- s.Run(sctx, env)
	}()

	var err error
	hung := false
	select {
	case err = <-done:
		// A scenario that gave up on its context is classified like one
		// that never returned.
		if err != nil && sctx.Err() != nil && !errors.Is(err, ErrSkip) {
			err = stopReason(ctx, watchdog)
		}
	case <-sctx.Done():
		err = stopReason(ctx, watchdog)
		hung = errors.Is(err, ErrWatchdog)
		if hung {
			env.Log.Error("scenario hung", "test", s.Name, "watchdog", watchdog)
		}
	}

	res := ui.Result{Name: s.Name, Pass: err == nil, Duration: time.Since(start)}
	switch {
	case errors.Is(err, ErrSkip):
		res.Pass = true
		res.Skipped = true
		res.Detail = err.Error()
	case err != nil:
		res.Detail = err.Error()
	}
	env.Log.Debug("scenario done", "test", s.Name, "pass", res.Pass, "skipped", res.Skipped)
	return res, hung
}

// stopReason tells a cancelled run apart from an expired watchdog.
func stopReason(parent context.Context, watchdog time.Duration) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}
	return fmt.Errorf("%w after %s", ErrWatchdog, watchdog)
}

// Passed reports whether no result failed.
func Passed(results []ui.Result) bool {
	for _, r := range results {
		if !r.Pass {
			return false
		}
	}
	return true
}

func skip(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSkip, fmt.Sprintf(format, args...))
}

func expect(ok bool, format string, args ...any) error {
	if ok {
		return nil
	}
	return fmt.Errorf(format, args...)
}
