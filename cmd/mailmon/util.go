package main

import (
	"fmt"
	"log"
	"os"

	"github.com/emx-mail/mailmon/pkgs/config"
	"github.com/emx-mail/mailmon/pkgs/credential"
)

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// newLogger returns the diagnostic logger. It always writes to stderr;
// --verbose only adds the scheduler's informational events.
func newLogger() *log.Logger {
	return log.New(os.Stderr, "[mailmon] ", log.LstdFlags)
}

func configPath(args []string) (string, error) {
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	path, err := config.ResolvePath(arg)
	if err != nil {
		return "", fmt.Errorf("no configuration file given: %w", err)
	}
	return path, nil
}

// loadStore loads the configuration and fills keyring secrets.
func loadStore(args []string, logger *log.Logger) (*config.Store, error) {
	path, err := configPath(args)
	if err != nil {
		return nil, err
	}
	store, err := config.NewStore(path, resolveSecrets, logger)
	if err != nil {
		return nil, fmt.Errorf("error while reading the configuration file: %w", err)
	}
	return store, nil
}

func resolveSecrets(cfg *config.Config) error {
	if !cfg.NeedsKeyring() {
		return nil
	}
	secrets, err := openKeyring(cfg.Keyring)
	if err != nil {
		return err
	}
	return cfg.ResolveSecrets(secrets.Get)
}

func openKeyring(kc config.KeyringConfig) (*credential.Store, error) {
	return credential.Open(credential.Options{
		Service:  kc.Service,
		Backends: kc.Backends,
		FileDir:  kc.FileDir,
	})
}
