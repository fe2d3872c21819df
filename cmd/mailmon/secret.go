package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emx-mail/mailmon/pkgs/config"
	"github.com/emx-mail/mailmon/pkgs/credential"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage passwords stored in the keyring",
	Long: `Passwords referenced by password_keyring and smtp_password_keyring are
read from the OS keyring. These commands manage the stored items using the
keyring section of the configuration file, if one is found.`,
}

var secretSetCmd = &cobra.Command{
	Use:   "set <key>",
	Short: "Store a secret (read from stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secrets, err := secretStore()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Secret for %s: ", args[0])
		value, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && value == "" {
			return fmt.Errorf("reading secret: %w", err)
		}
		value = strings.TrimRight(value, "\r\n")
		if value == "" {
			return fmt.Errorf("empty secret")
		}
		if err := secrets.Set(args[0], value); err != nil {
			return err
		}
		fmt.Printf("Stored %s\n", args[0])
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a stored secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secrets, err := secretStore()
		if err != nil {
			return err
		}
		return secrets.Delete(args[0])
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secret keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secrets, err := secretStore()
		if err != nil {
			return err
		}
		keys, err := secrets.Keys()
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

var secretConfigFlag string

func init() {
	secretCmd.PersistentFlags().StringVarP(&secretConfigFlag, "config", "c", "", "Configuration file (default: $"+config.EnvConfigPath+")")
	secretCmd.AddCommand(secretSetCmd, secretDeleteCmd, secretListCmd)
}

// secretStore opens the keyring described by the configuration file, or
// the default keyring when no configuration is available.
func secretStore() (*credential.Store, error) {
	kc := config.KeyringConfig{}
	if path, err := config.ResolvePath(secretConfigFlag); err == nil {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("error while reading the configuration file: %w", err)
		}
		kc = cfg.Keyring
	}
	return openKeyring(kc)
}
