package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/amaydixit11/meshd/internal/config"
	"github.com/amaydixit11/meshd/internal/core"
	"github.com/amaydixit11/meshd/internal/identity"
	"github.com/amaydixit11/meshd/internal/logging"
	"github.com/amaydixit11/meshd/internal/node"
	"github.com/amaydixit11/meshd/internal/peer"
	"github.com/amaydixit11/meshd/internal/registry"
	"github.com/amaydixit11/meshd/internal/store"
)

// set via -ldflags "-X main.version=..."
var version = "dev"

var (
	flagConfig   string
	flagDataDir  string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:           "meshd",
		Short:         "meshd is a peer-to-peer control plane for small device fleets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to the YAML config file")
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (overrides config)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(serveCmd(), inviteCmd(), statusCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig applies .env, the YAML file, the environment and the
// command line flags, in that order
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// passphraseFunc reads the identity passphrase from the environment or,
// when attached to a terminal, prompts for it
func passphraseFunc() identity.PassphraseFunc {
	return func() (string, error) {
		if pass := os.Getenv("MESHD_PASSPHRASE"); pass != "" {
			return pass, nil
		}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return "", errors.New("identity is encrypted: set MESHD_PASSPHRASE or run interactively")
		}
		fmt.Fprint(os.Stderr, "identity passphrase: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return string(raw), nil
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the meshd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer log.Sync()

			n, err := node.New(cfg, passphraseFunc(), version, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return n.Run(ctx)
		},
	}
}

func inviteCmd() *cobra.Command {
	var (
		ttlHours int
		showQR   bool
		url      string
	)
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Issue a signed invite code for this node",
		Long: `Issue a signed invite code other nodes can join with. Reads the
identity from the data directory; the daemon does not need to run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			id, err := identity.LoadOrCreate(st, cfg, passphraseFunc(), logging.Nop())
			if err != nil {
				return err
			}

			if url == "" {
				reg := registry.New(st, id.NodeID)
				if rec, ok, rerr := reg.Self(); rerr == nil && ok {
					url = rec.URL()
				}
			}
			if url == "" {
				return errors.New("no advertised URL; pass --url or set node.public_url")
			}

			inv := peer.NewInvite(id, url, cfg.NodeName(), time.Duration(ttlHours)*time.Hour)
			fmt.Println(inv.Encode())
			fmt.Fprintf(os.Stderr, "fingerprint: %s\nexpires:     %s\n",
				inv.Fingerprint(), time.Unix(int64(inv.ExpiresAt), 0).Format(time.RFC3339))
			if showQR {
				qr, qerr := inv.QRString()
				if qerr != nil {
					return qerr
				}
				fmt.Fprintln(os.Stderr, qr)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&ttlHours, "ttl", 24, "invite lifetime in hours")
	cmd.Flags().BoolVar(&showQR, "qr", false, "print the invite as a QR code")
	cmd.Flags().StringVar(&url, "url", "", "advertised URL to embed (defaults to the self record)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show this node's identity and mesh membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			id, err := identity.LoadOrCreate(st, cfg, passphraseFunc(), logging.Nop())
			if err != nil {
				return err
			}

			reg := registry.New(st, id.NodeID)
			nodes, err := reg.All()
			if err != nil {
				return err
			}

			var trusted, pending int
			for _, rec := range nodes {
				switch rec.TrustStatus {
				case core.TrustTrusted:
					trusted++
				case core.TrustPending:
					pending++
				}
			}

			fmt.Printf("node id:      %s\n", id.NodeID)
			fmt.Printf("fingerprint:  %s\n", id.Fingerprint())
			fmt.Printf("mode:         %s\n", id.Mode())
			fmt.Printf("data dir:     %s\n", cfg.DataDir)
			fmt.Printf("known nodes:  %d (%d trusted, %d pending)\n", len(nodes), trusted, pending)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the meshd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("meshd", version)
		},
	}
}
