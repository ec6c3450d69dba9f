// Command westeros-unittest runs the emulation scenarios against in-process
// compositors and exits 0 only when every selected scenario passes.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bnema/westeros/internal/config"
	"github.com/bnema/westeros/internal/harness"
	"github.com/bnema/westeros/internal/logger"
	"github.com/bnema/westeros/internal/ui"
	"github.com/spf13/cobra"
)

var (
	configPath string
	watchdog   time.Duration
	uinputPath string
	crash      bool
)

var rootCmd = &cobra.Command{
	Use:   "westeros-unittest [testname]",
	Short: "Run westeros emulation tests",
	Long: `Run the westeros emulation tests. With no test name every test runs in
order; a name runs that test alone. The exit status is 0 only if all
selected tests pass.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runTests,
}

// clientCmd is the helper client launched by the process lifecycle tests
var clientCmd = &cobra.Command{
	Use:    "client",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return harness.RunClient("", crash)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List test names",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, s := range harness.Scenarios() {
			fmt.Printf("%-22s %s\n", s.Name, ui.MutedStyle.Render(s.Description))
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file")
	rootCmd.Flags().DurationVar(&watchdog, "watchdog", 0, "Time limit per test (default harness.watchdog_seconds)")
	rootCmd.Flags().StringVar(&uinputPath, "uinput", "/dev/uinput", "uinput device for the hardware input test")
	rootCmd.Flags().BoolP("usage", "?", false, "Show usage and exit")
	clientCmd.Flags().BoolVar(&crash, "crash", false, "Die from SIGSEGV after connecting")

	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(listCmd)
}

func runTests(cmd *cobra.Command, args []string) error {
	if usage, _ := cmd.Flags().GetBool("usage"); usage {
		return cmd.Usage()
	}

	if configPath != "" {
		config.SetConfigPath(configPath)
	}
	if err := config.Init(); err != nil {
		return err
	}
	cfg := config.Get()
	if cfg.Logging.LogLevel != "" {
		logger.SetLevel(cfg.Logging.LogLevel)
	}
	if watchdog <= 0 {
		watchdog = time.Duration(cfg.Harness.WatchdogSeconds) * time.Second
	}

	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	list, err := harness.Select(name)
	if err != nil {
		return fmt.Errorf("%w (known: %s)", err, strings.Join(harness.Names(), ", "))
	}

	if os.Getenv("XDG_RUNTIME_DIR") == "" {
		dir, err := os.MkdirTemp("", "westeros")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
		os.Setenv("XDG_RUNTIME_DIR", dir)
	}

	self, err := os.Executable()
	if err != nil {
		return err
	}
	env := &harness.Env{
		ClientCommand: self + " client",
		UInputPath:    uinputPath,
		Log:           logger.Logger,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println(ui.FormatAppHeader("unittest", fmt.Sprintf("%d test(s)", len(list))))
	fmt.Println()
	runner := &harness.Runner{
		Env:      env,
		Watchdog: watchdog,
		OnResult: func(r ui.Result) {
			fmt.Println(ui.FormatResult(r))
		},
	}
	results := runner.Run(ctx, list)

	fmt.Println()
	fmt.Println(ui.ResultTable(results))
	if !harness.Passed(results) || len(results) < len(list) {
		return errFailed
	}
	return nil
}

var errFailed = errors.New("tests failed")

func main() {
	err := rootCmd.Execute()
	switch {
	case errors.Is(err, errFailed):
		os.Exit(1)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
