package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/baderanaas/hushchain/pkg/config"
	"github.com/baderanaas/hushchain/pkg/node"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"
)

var (
	dataDir      string
	username     string
	name         string
	port         int
	directoryURL string
	bootstrap    []string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "hushchain",
	Short: "Encrypted peer-to-peer messenger with blockchain group chats",
	RunE:  runNode,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the node and the interactive shell",
	RunE:  runNode,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the given flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		path := filepath.Join(cfg.DataDir, config.FileName)
		if err := config.Save(path, cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("✅ Config written to %s\n", path)
		return nil
	},
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print this device's peer ID, creating it if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		key, err := node.LoadIdentity(cfg.DataDir)
		if err != nil {
			return err
		}
		id, err := peer.IDFromPrivateKey(key)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&dataDir, "data-dir", config.DefaultDataDir(), "directory holding config, keys and messages")
	flags.StringVarP(&username, "user", "u", "", "username to register as")
	flags.StringVar(&name, "name", "", "display name (defaults to the username)")
	flags.IntVarP(&port, "port", "p", 0, "listen port (random if not specified)")
	flags.StringVar(&directoryURL, "directory", "", "directory service URL (DHT when empty)")
	flags.StringSliceVar(&bootstrap, "bootstrap", nil, "bootstrap peer multiaddresses")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd, initCmd, idCmd)
}

// loadConfig reads <data-dir>/config.json and applies the flags that were
// set on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(dataDir, config.FileName))
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dataDir
	flags := cmd.Flags()
	if flags.Changed("user") {
		cfg.Username = username
	}
	if flags.Changed("name") {
		cfg.Name = name
	}
	if flags.Changed("port") {
		cfg.ListenPort = port
	}
	if flags.Changed("directory") {
		cfg.DirectoryURL = directoryURL
	}
	if flags.Changed("bootstrap") {
		cfg.Bootstrap = bootstrap
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

var subsystems = []string{"node", "protocol", "queue", "group", "peerbank", "directory", "transport", "crypto"}

// setLogLevels quiets libp2p and applies level to this module's loggers.
func setLogLevels(level string) error {
	if _, err := logging.LevelFromString(level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logging.SetAllLoggers(logging.LevelError)
	for _, sub := range subsystems {
		if err := logging.SetLogLevel(sub, level); err != nil {
			return err
		}
	}
	return nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := setLogLevels(cfg.LogLevel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️ Shutdown: %v\n", err)
		}
	}()
	if err := n.Start(ctx); err != nil {
		return err
	}
	return node.NewCLI(n, os.Stdout).Run(ctx, os.Stdin)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
