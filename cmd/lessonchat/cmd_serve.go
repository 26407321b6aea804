package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	lessonplan "github.com/cwhhwc/AI-lesson-plan-writing"
)

var metricsAddr string

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Expose Prometheus metrics and health probes until interrupted",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, app *lessonplan.App, _ []string) error {
		addr := metricsAddr
		if addr == "" {
			addr = app.Config.Observability.MetricsAddr
		}
		fmt.Println("Serving metrics on", addr)
		return app.ServeMetrics(ctx, addr)
	}),
}

func init() {
	serveMetricsCmd.Flags().StringVar(&metricsAddr, "addr", "", "listen address (default from config)")
}
