package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinylingo/tinysync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "init",
		Short:       "Write a commented config file template",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runConfigInit,
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Ask a running sync --watch to reload its configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigReload,
	})

	return cmd
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	return config.RenderEffective(cc.Cfg, cc.Out())
}

// configPath picks the config file the same way Resolve does.
func configPath(cc *CLIContext) string {
	switch {
	case cc.CLI.ConfigPath != "":
		return cc.CLI.ConfigPath
	case cc.Env.ConfigPath != "":
		return cc.Env.ConfigPath
	default:
		return config.DefaultConfigPath()
	}
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	path := configPath(cc)

	err := config.WriteTemplate(path)
	if errors.Is(err, config.ErrConfigExists) {
		return fmt.Errorf("%s already exists; edit it or remove it first", path)
	}

	if err != nil {
		return err
	}

	cc.Logger.Info("config template written", "path", path)
	cc.Statusf("Wrote %s\n", path)

	return nil
}

func runConfigReload(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if err := sendSIGHUP(cc.Cfg.State.PIDPath()); err != nil {
		return err
	}

	cc.Statusf("Reload requested.\n")

	return nil
}
