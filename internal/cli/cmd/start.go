package cmd

import (
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/matjam/lucent/internal/ipc"
	daemon "github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"
)

func NewStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the lucent compositor",
		Long: `Starts the compositor: builds the configured renderer and clock,
adds the output, optionally populates the demo scene and serves the
control socket. With --background the daemon detaches first.`,
		Run: func(cmd *cobra.Command, args []string) {
			StartCompositor(cmd)
		},
	}
}

// StartCompositor runs the daemon in the foreground, or forks into the
// background first when requested. Also the entry point for a bare
// `lucent` invocation.
func StartCompositor(cmd *cobra.Command) {
	if background, err := cmd.Flags().GetBool("background"); err == nil && background {
		forkBackground()
		return
	}
	runCompositor()
}

// forkBackground re-executes the process detached, marked with the
// BACKGROUND_PROCESS environment convention so the child knows to log to
// a file instead of the terminal. The re-executed child takes the same
// path and falls through Reborn into runCompositor.
func forkBackground() {
	runDir := os.Getenv("XDG_RUNTIME_DIR")
	if runDir == "" {
		runDir = os.TempDir()
	}

	ctx := &daemon.Context{
		PidFileName: filepath.Join(runDir, "lucent.pid"),
		PidFilePerm: 0644,
		Env:         append(os.Environ(), "BACKGROUND_PROCESS=1"),
	}

	child, err := ctx.Reborn()
	if err != nil {
		log.Fatalf("Failed to start in background: %v", err)
	}
	if child != nil {
		log.Infof("lucent started in background, PID: %d", child.Pid)
		return
	}
	defer ctx.Release()

	runCompositor()
}

func runCompositor() {
	log.Infof("Starting compositor in PID: %d", os.Getpid())

	if os.Getenv("BACKGROUND_PROCESS") == "1" {
		setupRotatingLogger()
	}

	if _, err := ipc.SendStatus(); err == nil {
		log.Infof("lucent is already running, exiting")
		os.Exit(0)
	}

	manager := ipc.NewManager()

	go func() {
		log.Infof("Starting socket server")
		ipc.Start(manager)
	}()

	manager.Run()

	os.Remove(ipc.SocketPath())
	log.Infof("lucent exited")
}

func setupRotatingLogger() {
	home := os.Getenv("HOME")
	logDir := filepath.Join(home, ".local", "share", "lucent")
	logPath := filepath.Join(logDir, "lucent.log")

	writer, err := rotatelogs.New(
		logPath+".%Y%m%d%H%M",
		rotatelogs.WithLinkName(logPath),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationSize(10*1024*1024),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		log.Fatalf("failed to configure log rotation: %v", err)
	}

	log.SetOutput(writer)
	log.SetLevel(log.InfoLevel)
}
