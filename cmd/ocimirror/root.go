package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ocimirror/ocimirror/configuration"
	"github.com/ocimirror/ocimirror/internal/dcontext"
	"github.com/ocimirror/ocimirror/version"
)

var showVersion bool

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(SyncCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
}

// RootCmd is the main command for the 'ocimirror' binary.
var RootCmd = &cobra.Command{
	Use:   "ocimirror",
	Short: "`ocimirror`",
	Long:  "`ocimirror`",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		// nolint:errcheck
		cmd.Usage()
	},
}

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string
	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("OCIMIRROR_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("OCIMIRROR_CONFIGURATION_PATH")
	}
	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %v", configurationPath, err)
	}
	return config, nil
}

func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	logrus.SetLevel(logLevel(config.Log.Level))

	switch config.Log.Formatter {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return ctx, fmt.Errorf("unsupported log formatter: %q", config.Log.Formatter)
	}

	if len(config.Log.Fields) > 0 {
		entry := logrus.StandardLogger().WithFields(logrus.Fields(config.Log.Fields))
		dcontext.SetDefaultLogger(entry)
		ctx = dcontext.WithLogger(ctx, entry)
	}
	return ctx, nil
}

func logLevel(level configuration.Loglevel) logrus.Level {
	l, err := logrus.ParseLevel(string(level))
	if err != nil {
		logrus.Warnf("error parsing level %q: %v, using info", level, err)
		l = logrus.InfoLevel
	}
	return l
}
