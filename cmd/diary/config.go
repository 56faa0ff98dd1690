package main

import (
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/diary/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with every default",
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.WriteDefault(path, force); err != nil {
			fatalf("%v", err)
		}
		printer().Success("Wrote %s", path)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show which configuration file and data directory are used",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fatalf("%v", err)
		}
		p := printer()
		if cfg.File == "" {
			p.Info("config:   (none, defaults in use; `diary config init` writes %s)", config.DefaultPath())
		} else {
			p.Info("config:   %s", cfg.File)
		}
		p.Info("data:     %s", cfg.DataDir)
		p.Info("database: %s", cfg.DBPath())
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
