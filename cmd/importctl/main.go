// Command importctl inspects and manages the import queue of a running
// server through its HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type commandContext struct {
	server  string
	userID  string
	timeout time.Duration
	json    bool
}

func (c *commandContext) client() *apiClient {
	return newAPIClient(c.server, c.userID, c.timeout)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	root := &cobra.Command{
		Use:           "importctl",
		Short:         "Manage timetable imports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultServer := os.Getenv("IMPORT_SERVER_URL")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&ctx.server, "server", defaultServer, "base URL of the import server (env IMPORT_SERVER_URL)")
	root.PersistentFlags().StringVar(&ctx.userID, "user", "", "user id sent as X-User-ID")
	root.PersistentFlags().DurationVar(&ctx.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&ctx.json, "json", false, "print JSON instead of tables")

	root.AddCommand(newQueueCommand(ctx))
	root.AddCommand(newStatusCommand(ctx))
	root.AddCommand(newWatchCommand(ctx))
	root.AddCommand(newCancelCommand(ctx))

	return root
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
