package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"chronoshare/internal/app"
	"chronoshare/internal/config"
	"chronoshare/internal/fs"
	"chronoshare/internal/objectstore"
	"chronoshare/internal/transport"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loopbackNetwork backs the CLI's single-process face. A real
// deployment plugs in an NDN client library; ChronoShare's core does
// not require one to exercise the sync protocol end to end.
var loopbackNetwork = transport.NewNetwork()

func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

var rootCmd = &cobra.Command{
	Use:   "chronoshare",
	Short: "Peer-to-peer shared folder synchronization daemon",
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init SHARED_FOLDER_NAME USER_NAME",
	Short: "Initialize configuration for a shared folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		sharedFolder, userName := args[0], args[1]
		cfg := config.NewConfig(sharedFolder, userName, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Shared folder: %s\n", sharedFolder)
		fmt.Printf("User: %s\n", userName)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Shared folder:  %s\n", cfg.SharedFolderName)
		fmt.Printf("User:           %s\n", cfg.UserName)
		fmt.Printf("Local prefix:   %s\n", cfg.LocalPrefix)
		fmt.Printf("Root dir:       %s\n", cfg.RootDir)
		fmt.Printf("Sync prefix:    %s\n", cfg.Transport.SyncPrefix)
		fmt.Printf("Metadata dir:   %s\n", cfg.Database.MetadataDir)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [FILENAME]",
	Short: "Show the current winner for a filename, or list every device known to this replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := app.New(cfg, loopbackNetwork.NewFace())
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		if len(args) == 1 {
			entry, err := a.ActionLog.FileState(args[0])
			if err != nil {
				return fmt.Errorf("looking up %q: %w", args[0], err)
			}
			fmt.Printf("%s  device=%s seq=%d version=%d hash=%s\n",
				entry.Filename, entry.Device.String(), entry.Seq, entry.Version, entry.FileHash.String())
			return nil
		}

		devices, err := a.Names.Devices()
		if err != nil {
			return err
		}
		for _, d := range devices {
			fmt.Println(d.String())
		}
		return nil
	},
}

var addCmd = &cobra.Command{
	Use:   "add PATH",
	Short: "Segment and record local file updates; PATH may be a file or a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := app.New(cfg, loopbackNetwork.NewFace())
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		files := fs.NewOSManager()
		resolved, err := files.Resolve(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		var targets []*fs.ResolvedPath
		if resolved.IsDir() {
			ignore, err := fs.LoadIgnoreMatcher(resolved.String())
			if err != nil {
				return fmt.Errorf("loading ignore patterns: %w", err)
			}
			found, err := files.FindFiles(resolved, true)
			if err != nil {
				return fmt.Errorf("walking %q: %w", resolved.String(), err)
			}
			for _, p := range found {
				rel, err := filepath.Rel(resolved.String(), p.String())
				if err != nil {
					return fmt.Errorf("computing relative path: %w", err)
				}
				if ignore.Match(rel) {
					continue
				}
				targets = append(targets, p)
			}
		} else {
			targets = []*fs.ResolvedPath{resolved}
		}

		for _, p := range targets {
			relPath, err := filepath.Rel(cfg.RootDir, p.String())
			if err != nil {
				return fmt.Errorf("computing relative filename: %w", err)
			}

			hash, segCount, err := a.Objects.SegmentLocalFile(p.String())
			if err != nil {
				return fmt.Errorf("segmenting %q: %w", relPath, err)
			}

			action, err := a.RecordLocalUpdate(cmd.Context(), relPath, hash, p.Info().ModTime(), uint32(p.Info().Mode()), segCount)
			if err != nil {
				return fmt.Errorf("recording update for %q: %w", relPath, err)
			}

			fmt.Printf("Recorded %s at version %d (%d segment(s), hash=%s)\n",
				relPath, action.Version, segCount, hash.String())
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove FILENAME",
	Short: "Record a local delete",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := app.New(cfg, loopbackNetwork.NewFace())
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		action, err := a.RecordLocalDelete(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("recording delete: %w", err)
		}
		if action == nil {
			fmt.Printf("%s has no prior update; nothing to delete\n", args[0])
			return nil
		}
		fmt.Printf("Recorded delete of %s at version %d\n", args[0], action.Version)
		return nil
	},
}

var keysInitCmd = &cobra.Command{
	Use:   "keys-init",
	Short: "Generate an X25519 key pair for at-rest segment encryption",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Print("Passphrase: ")
		pass1, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
		fmt.Print("Confirm passphrase: ")
		pass2, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading passphrase: %w", err)
		}
		if string(pass1) != string(pass2) {
			return fmt.Errorf("passphrases do not match")
		}

		if err := objectstore.SetupAgeKeys(cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath, string(pass1)); err != nil {
			return fmt.Errorf("generating key pair: %w", err)
		}
		fmt.Printf("Wrote public key to %s and encrypted private key to %s\n",
			cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
		fmt.Println("Set encryption.enabled = true in the config file and export CHRONOSHARE_PASSPHRASE before running serve.")
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := app.New(cfg, loopbackNetwork.NewFace())
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("chronoshare serving %s as %s\n", cfg.SharedFolderName, cfg.LocalPrefix)
		return a.Run(ctx)
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(keysInitCmd)
	rootCmd.AddCommand(serveCmd)
}
