// Package config loads minica settings from TOML or YAML files and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/minica/pki"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendBbolt  = "bbolt"
	BackendMemory = "memory"
)

// Environment variables read by ApplyEnv and Passphrase.
const (
	EnvStoreDir      = "MINICA_STORE_DIR"
	EnvKeyPassphrase = "MINICA_KEY_PASSPHRASE"
)

// DefaultStoreDir matches the directory the original tooling wrote to.
const DefaultStoreDir = "certs"

type Config struct {
	Store        Store     `toml:"store" yaml:"store"`
	Keys         Keys      `toml:"keys" yaml:"keys"`
	Root         Authority `toml:"root" yaml:"root"`
	Intermediate Authority `toml:"intermediate" yaml:"intermediate"`
	Leaf         Leaf      `toml:"leaf" yaml:"leaf"`
	CRL          CRL       `toml:"crl" yaml:"crl"`
	Serve        Serve     `toml:"serve" yaml:"serve"`
}

type Store struct {
	// Backend is one of file, bbolt or memory.
	Backend string `toml:"backend" yaml:"backend"`
	// Dir holds PEM files for the file backend.
	Dir string `toml:"dir" yaml:"dir"`
	// BboltPath defaults to <dir>/minica.db.
	BboltPath string `toml:"bbolt_path,omitempty" yaml:"bbolt_path,omitempty"`
}

type Keys struct {
	Algorithm string `toml:"algorithm" yaml:"algorithm"`
	// PassphraseEnv names the environment variable holding the key
	// encryption passphrase. Keys are stored unencrypted when it is unset.
	PassphraseEnv string `toml:"passphrase_env" yaml:"passphrase_env"`
}

type Authority struct {
	Subject      pki.SubjectInfo `toml:"subject" yaml:"subject"`
	ValidityDays int             `toml:"validity_days" yaml:"validity_days"`
}

type Leaf struct {
	ValidityDays int `toml:"validity_days" yaml:"validity_days"`
}

type CRL struct {
	NextUpdateHours int `toml:"next_update_hours" yaml:"next_update_hours"`
}

type Serve struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	root, inter := pki.RootSubject(), pki.IntermediateSubject()
	return Config{
		Store: Store{Backend: BackendFile, Dir: DefaultStoreDir},
		Keys:  Keys{Algorithm: string(pki.RSA2048), PassphraseEnv: EnvKeyPassphrase},
		Root: Authority{
			Subject:      pki.SubjectInfo{Country: root.Country[0], Organization: root.Organization[0], CommonName: root.CommonName},
			ValidityDays: pki.DefaultRootValidityDays,
		},
		Intermediate: Authority{
			Subject:      pki.SubjectInfo{Country: inter.Country[0], Organization: inter.Organization[0], CommonName: inter.CommonName},
			ValidityDays: pki.DefaultIntermediateValidityDays,
		},
		Leaf:  Leaf{ValidityDays: pki.DefaultLeafValidityDays},
		CRL:   CRL{NextUpdateHours: int(pki.DefaultCRLNextUpdate.Hours())},
		Serve: Serve{Addr: "127.0.0.1:8440"},
	}
}

// Blueprint is Default with every optional field spelled out, for
// `minica config init`.
func Blueprint() Config {
	c := Default()
	c.Store.BboltPath = filepath.Join(DefaultStoreDir, "minica.db")
	return c
}

type format int

const (
	formatTOML format = iota
	formatYAML
)

func detectFormat(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return formatTOML, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, fmt.Errorf("config: unsupported file extension %q (want .toml, .yaml or .yml)", filepath.Ext(path))
	}
}

// Load reads path over the defaults. An empty path yields Default.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	f, err := detectFormat(path)
	if err != nil {
		return c, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := decode(data, f, &c); err != nil {
		return c, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return c, nil
}

func decode(data []byte, f format, c *Config) error {
	switch f {
	case formatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(c)
	}
}

// Encode serialises c in the format implied by path's extension.
func Encode(c Config, path string) ([]byte, error) {
	f, err := detectFormat(path)
	if err != nil {
		return nil, err
	}
	if f == formatYAML {
		return yaml.Marshal(c)
	}
	return toml.Marshal(c)
}

// ApplyEnv overrides settings from the environment. lookup is usually
// os.LookupEnv.
func (c Config) ApplyEnv(lookup func(string) (string, bool)) Config {
	if dir, ok := lookup(EnvStoreDir); ok && dir != "" {
		c.Store.Dir = dir
	}
	return c
}

// Passphrase returns the key encryption passphrase from the environment
// variable named by Keys.PassphraseEnv, or "".
func (c Config) Passphrase(lookup func(string) (string, bool)) string {
	if c.Keys.PassphraseEnv == "" {
		return ""
	}
	v, _ := lookup(c.Keys.PassphraseEnv)
	return v
}

// BboltFile is the database path used by the bbolt backend.
func (c Config) BboltFile() string {
	if c.Store.BboltPath != "" {
		return c.Store.BboltPath
	}
	return filepath.Join(c.Store.Dir, "minica.db")
}

// KeyAlgorithm returns the parsed key algorithm.
func (c Config) KeyAlgorithm() (pki.KeyAlgorithm, error) {
	return pki.ParseKeyAlgorithm(c.Keys.Algorithm)
}

// Validate checks the config and returns the first problem found.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendFile, BackendBbolt:
		if c.Store.Dir == "" && c.Store.BboltPath == "" {
			return errors.New("config: store.dir is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: store.backend must be one of file, bbolt, memory (got %q)", c.Store.Backend)
	}
	if _, err := c.KeyAlgorithm(); err != nil {
		return fmt.Errorf("config: keys.algorithm: %w", err)
	}
	for _, a := range []struct {
		name string
		Authority
	}{{"root", c.Root}, {"intermediate", c.Intermediate}} {
		if strings.TrimSpace(a.Subject.CommonName) == "" {
			return fmt.Errorf("config: %s.subject.common_name is required", a.name)
		}
		if a.ValidityDays <= 0 {
			return fmt.Errorf("config: %s.validity_days must be positive", a.name)
		}
	}
	if c.Intermediate.ValidityDays > c.Root.ValidityDays {
		return errors.New("config: intermediate.validity_days must not exceed root.validity_days")
	}
	if c.Leaf.ValidityDays <= 0 {
		return errors.New("config: leaf.validity_days must be positive")
	}
	if c.CRL.NextUpdateHours <= 0 {
		return errors.New("config: crl.next_update_hours must be positive")
	}
	if _, _, err := net.SplitHostPort(c.Serve.Addr); err != nil {
		return fmt.Errorf("config: serve.addr: %w", err)
	}
	return nil
}
