package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/minica/config"
	"github.com/jmcleod/minica/pki"
	"github.com/jmcleod/minica/storage"
	bboltstorage "github.com/jmcleod/minica/storage/bbolt"
	"github.com/jmcleod/minica/storage/file"
	"github.com/jmcleod/minica/storage/memory"
)

// app carries the state shared by every subcommand of one invocation.
type app struct {
	cfgFile   string
	storeDir  string
	backend   string
	logLevel  string
	logFormat string

	cfg    config.Config
	logger *slog.Logger
	lookup func(string) (string, bool)

	repo   storage.Repository
	closer io.Closer
}

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	a := &app{lookup: os.LookupEnv}
	root := &cobra.Command{
		Use:   "minica",
		Short: "minica is a small three-tier certificate authority",
		Long: `A small certificate authority: a self-signed root, an intermediate signed
by it, end-entity certificates, chain verification and a signed revocation
registry kept next to the certificates.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.cfgFile, "config", "c", "", "Path to a TOML or YAML config file")
	pf.StringVar(&a.storeDir, "store-dir", "", "Directory for keys, certificates and registries (overrides config)")
	pf.StringVar(&a.backend, "backend", "", "Storage backend: file, bbolt or memory (overrides config)")
	pf.StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pf.StringVar(&a.logFormat, "log-format", "text", "Log format: text or json")

	root.AddCommand(
		newInitCmd(a),
		newIssueCmd(a),
		newVerifyCmd(a),
		newRevokeCmd(a),
		newStatusCmd(a),
		newCRLCmd(a),
		newDemoCmd(a),
		newServeCmd(a),
		newConfigCmd(a),
		newVersionCmd(),
	)
	return root
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration, applies environment and flag overrides
// and installs the logger.
func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	cfg = cfg.ApplyEnv(a.lookup)
	if a.storeDir != "" {
		cfg.Store.Dir = a.storeDir
	}
	if a.backend != "" {
		cfg.Store.Backend = a.backend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logger, err := newLogger(cmd.ErrOrStderr(), a.logLevel, a.logFormat)
	if err != nil {
		return err
	}
	a.logger = logger
	slog.SetDefault(logger)
	return nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}

// repository opens the configured backend once per invocation.
func (a *app) repository() (storage.Repository, error) {
	if a.repo != nil {
		return a.repo, nil
	}
	switch a.cfg.Store.Backend {
	case config.BackendMemory:
		a.repo = memory.NewRepository()
	case config.BackendBbolt:
		if err := os.MkdirAll(a.cfg.Store.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(a.cfg.BboltFile(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open bbolt store: %w", err)
		}
		a.repo, a.closer = repo, repo
	default:
		repo, err := file.NewRepository(a.cfg.Store.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		a.repo = repo
	}
	return a.repo, nil
}

func (a *app) close() error {
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer, a.repo = nil, nil
	return err
}

func (a *app) store() (*pki.Store, error) {
	repo, err := a.repository()
	if err != nil {
		return nil, err
	}
	return a.storeOn(repo), nil
}

func (a *app) storeOn(repo storage.Repository) *pki.Store {
	return pki.NewStore(repo, pki.WithKeyPassphrase(pki.NewPassphrase(a.cfg.Passphrase(a.lookup))))
}

func (a *app) registry() (*pki.Registry, error) {
	repo, err := a.repository()
	if err != nil {
		return nil, err
	}
	return a.registryOn(repo), nil
}

func (a *app) registryOn(repo storage.Repository) *pki.Registry {
	return pki.NewRegistry(repo, pki.WithRegistryLogger(a.logger))
}

func (a *app) keyAlgorithm(override string) (pki.KeyAlgorithm, error) {
	if override != "" {
		return pki.ParseKeyAlgorithm(override)
	}
	return a.cfg.KeyAlgorithm()
}

// authorityName maps the --issuer flag onto a stored authority.
func authorityName(issuer string) (string, error) {
	switch strings.ToLower(issuer) {
	case "", "intermediate":
		return pki.IntermediateAuthorityName, nil
	case "root", "root_ca":
		return pki.RootAuthorityName, nil
	default:
		return "", fmt.Errorf("unknown issuer %q (want intermediate or root)", issuer)
	}
}
