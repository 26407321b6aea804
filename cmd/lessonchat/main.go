// Command lessonchat is a terminal client for the lesson-plan chat service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	lessonplan "github.com/cwhhwc/AI-lesson-plan-writing"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/config"
	"github.com/cwhhwc/AI-lesson-plan-writing/pkg/observability"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "lessonchat",
	Short:         "Chat with the lesson-plan assistant from the terminal",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.lessonchat/config.yaml)")

	rootCmd.AddCommand(loginCmd, logoutCmd, registerCmd, whoamiCmd)
	rootCmd.AddCommand(chatCmd, historyCmd, docsCmd, serveMetricsCmd)
}

func main() {
	observability.Version = Version

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withApp builds the App for one command run and closes it afterwards.
func withApp(fn func(ctx context.Context, app *lessonplan.App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		app, err := lessonplan.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := app.Close(closeCtx); err != nil {
				fmt.Fprintln(os.Stderr, "warning:", err)
			}
		}()
		return fn(ctx, app, args)
	}
}
