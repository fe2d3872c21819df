package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emx-mail/mailmon/pkgs/config"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write an example configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

var initForceFlag bool

func init() {
	initCmd.Flags().BoolVar(&initForceFlag, "force", false, "Overwrite an existing file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath, err := configPath(args)
	if err != nil {
		return err
	}
	if _, err := os.Stat(configPath); err == nil && !initForceFlag {
		return fmt.Errorf("%s already exists, use --force to overwrite it", configPath)
	}

	if err := config.SaveConfig(configPath, config.Example()); err != nil {
		return err
	}
	fmt.Printf("Created config file at: %s\n", configPath)
	if os.Getenv(config.EnvConfigPath) == "" {
		fmt.Printf("Tip: set %s=%s to use this config file.\n", config.EnvConfigPath, configPath)
	}
	fmt.Println("Please edit the file to add your relay and mailbox credentials.")
	fmt.Println("Passwords can be kept in the keyring with: mailmon secret set <key>")
	return nil
}
