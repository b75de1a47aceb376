package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ocimirror/ocimirror/internal/dcontext"
)

var syncRepository string

func init() {
	SyncCmd.Flags().StringVarP(&syncRepository, "repository", "r", "", "synchronize only the named repository")
}

// SyncCmd runs one synchronization pass over the configured remotes and
// exits.
var SyncCmd = &cobra.Command{
	Use:   "sync <config>",
	Short: "`sync` mirrors the configured upstream repositories once",
	Long:  "`sync` mirrors the configured upstream repositories once",
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

		failed := false
		for name, pipeline := range a.pipelines {
			if syncRepository != "" && syncRepository != name {
				continue
			}
			log := dcontext.GetLoggerWithField(ctx, "repository", name)
			version, err := pipeline.Run(ctx)
			if err != nil {
				log.WithError(err).Error("synchronization failed")
				failed = true
				continue
			}
			log.Infof("synchronized %d tags at version %d", len(version.Tags), version.Number)
		}
		if failed {
			os.Exit(1)
		}
	},
}
