package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"autopilot/internal/classify"
	"autopilot/internal/config"
	"autopilot/internal/lockdir"
	"autopilot/internal/model"
)

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// runCommand starts the supervisor loop and blocks until SIGTERM/SIGINT.
func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var configPath string
	var rulesPath string
	var debug bool
	fs.StringVar(&configPath, "config", "", "Path to config file (defaults to ~/.autopilot/config.yaml)")
	fs.StringVar(&rulesPath, "rules", "", "Path to rule-set file (defaults to built-in rules)")
	fs.BoolVar(&debug, "debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := buildRuntime(configPath, rulesPath, debug)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Supervisor.Startup(); err != nil {
		if errors.Is(err, lockdir.ErrSupervisorRunning) {
			return err
		}
		return fmt.Errorf("startup: %w", err)
	}
	rt.Log.Info("projects loaded",
		zap.String("source", string(rt.ProjectSource)),
		zap.Int("count", len(rt.Projects)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rt.Supervisor.Run(ctx)
}

// classifyCommand is the one-shot classifier CLI: prints a single JSON line
// and exits 0=working, 1=idle/permission, 2=shell, 3=absent.
func classifyCommand(args []string) error {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	var configPath string
	var window string
	fs.StringVar(&configPath, "config", "", "Path to config file")
	fs.StringVar(&window, "window", "", "Window name to classify")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if window == "" {
		return fmt.Errorf("--window is required")
	}

	rt, err := buildRuntime(configPath, "", false)
	if err != nil {
		return err
	}
	defer rt.Close()

	result := rt.Classifier.Classify(context.Background(), window)
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	os.Exit(classify.ExitCode(result.Status))
	return nil
}

// sendCommand injects one message into a window, with full verification.
func sendCommand(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	var configPath string
	var window string
	var message string
	fs.StringVar(&configPath, "config", "", "Path to config file")
	fs.StringVar(&window, "window", "", "Target window name")
	fs.StringVar(&message, "message", "", "Message text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if window == "" || message == "" {
		return fmt.Errorf("--window and --message are required")
	}

	rt, err := buildRuntime(configPath, "", false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Injector.Inject(context.Background(), window, message); err != nil {
		return err
	}
	fmt.Printf("sent %d chars to %s\n", len(message), window)
	return nil
}

// consumeCommand runs the review-trigger consumer once; it is scheduled as a
// separate process and is safe under concurrent invocation.
func consumeCommand(args []string) error {
	fs := flag.NewFlagSet("consume-reviews", flag.ContinueOnError)
	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rt, err := buildRuntime(configPath, "", false)
	if err != nil {
		return err
	}
	defer rt.Close()
	return rt.Consumer.Run(context.Background())
}

func statusCommandBody(baseDir string) error {
	store := newStore(baseDir)
	settings, err := config.Load("")
	if err != nil {
		return err
	}
	projects, _, err := config.ResolveProjects(settings, filepath.Join(store.Base, "projects.conf"), nil)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("no projects configured")
		return nil
	}
	fmt.Printf("%-16s %-24s %8s %8s %10s %s\n", "WINDOW", "STATUS", "CTX%", "COMMITS", "TOKENS", "LAST COMMIT")
	for _, project := range projects {
		snap := store.ReadSnapshot(project.Key())
		status := snap.Status
		if status == "" {
			status = model.StatusAbsent
		}
		fmt.Printf("%-16s %-24s %8d %8d %10d %s\n",
			project.Window, status, snap.ContextNum, snap.Commits30m, snap.TokensToday, snap.CommitMsg)
	}
	return nil
}

func printUsage() {
	fmt.Println(`autopilot - multi-project supervisor for terminal coding assistants

Usage:
  autopilot run              Start the supervisor loop
  autopilot classify         Classify one window (exit 0=working 1=idle 2=shell 3=absent)
  autopilot send             Inject a message into a window
  autopilot consume-reviews  Drain pending review triggers
  autopilot status           Show per-project snapshots
  autopilot config-init      Write a default config file
  autopilot cleanup          Remove day-old cooldown/activity state
  autopilot help             Show this help`)
}
