package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ocimirror/ocimirror/internal/dcontext"
)

var syncInterval time.Duration

func init() {
	ServeCmd.Flags().DurationVar(&syncInterval, "sync-interval", 0, "periodically re-synchronize all remotes")
}

// ServeCmd answers pull API requests, optionally re-synchronizing the
// remotes on an interval.
var ServeCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "`serve` exposes mirrored content over the registry pull API",
	Long:  "`serve` exposes mirrored content over the registry pull API",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		ctx := cmd.Context()
		ctx, err = configureLogging(ctx, config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to configure logging: %v\n", err)
			os.Exit(1)
		}

		a, err := newApp(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to construct mirror: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		if syncInterval > 0 {
			go resyncLoop(ctx, a)
		}

		addr := config.HTTP.Addr
		if addr == "" {
			addr = ":5000"
		}
		dcontext.GetLogger(ctx).Infof("listening on %v", addr)
		if err := http.ListenAndServe(addr, a.server().Handler()); err != nil {
			dcontext.GetLogger(ctx).WithError(err).Error("server exited")
			os.Exit(1)
		}
	},
}

func resyncLoop(ctx context.Context, a *app) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for name, pipeline := range a.pipelines {
			if _, err := pipeline.Run(ctx); err != nil {
				dcontext.GetLoggerWithField(ctx, "repository", name).WithError(err).Error("periodic synchronization failed")
			}
		}
	}
}
