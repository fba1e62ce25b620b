package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/tgfeed/tca"
)

// Build can be set via ldflags at compile time.
var Build = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if commit := resolveCommitHash(); commit != "" {
			fmt.Printf("tca version %s (%s: %s)\n", tca.Version, Build, shortCommit(commit))
			return
		}
		fmt.Printf("tca version %s (%s)\n", tca.Version, Build)
	},
}

func resolveCommitHash() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return setting.Value
			}
		}
	}
	return ""
}

func shortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
