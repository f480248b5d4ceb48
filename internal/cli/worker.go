package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/velhart/stencild/internal/logger"
	"github.com/velhart/stencild/pkg/proto"
	"github.com/velhart/stencild/pkg/worker"
)

var (
	workerDeadline      int
	workerSessionExpiry int
	workerCookiePath    string
	workerErrorLog      bool
)

// workerCmd is the pool child entry point. The dispatcher re-executes
// its own binary with this command; it is not meant to be run by hand.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run as a pool worker (spawned by the dispatcher)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerDeadline, "deadline", 30, "execution deadline in seconds")
	workerCmd.Flags().IntVar(&workerSessionExpiry, "session-expiry", 3600, "default session expiry in seconds")
	workerCmd.Flags().StringVar(&workerCookiePath, "cookie-path", "/", "default session cookie path")
	workerCmd.Flags().BoolVar(&workerErrorLog, "error-log", false, "record error reports in the session store")
	rootCmd.AddCommand(workerCmd)
}

func runWorker() error {
	level := logLevel
	if level == "" {
		level = "info"
	}
	lg, err := logger.New(logger.Config{Level: level, Console: true})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer lg.Close()
	log := lg.GetZerolog().With().Int("pid", os.Getpid()).Str("component", "worker").Logger()

	// Frames must not interleave: the deadline goroutine never writes,
	// but the encoder is shared between request handling and the
	// serve loop's own frames.
	var mu sync.Mutex
	enc := json.NewEncoder(os.Stdout)
	emit := func(msg proto.Message) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(msg)
	}

	rt := worker.New(worker.Options{
		Logger:               log,
		Emit:                 emit,
		Deadline:             time.Duration(workerDeadline) * time.Second,
		SessionExpirySeconds: workerSessionExpiry,
		SessionCookiePath:    workerCookiePath,
		ErrorLog:             workerErrorLog,
	})

	log.Info().Msg("Worker ready")
	return rt.Serve(os.Stdin)
}
