package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/minica/config"
	"github.com/jmcleod/minica/pki"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	c := config.Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, config.BackendFile, c.Store.Backend)
	assert.Equal(t, "certs", c.Store.Dir)
	assert.Equal(t, "Mini Root CA", c.Root.Subject.CommonName)
	assert.Equal(t, "Mini Intermediate CA", c.Intermediate.Subject.CommonName)
	assert.Equal(t, 3650, c.Root.ValidityDays)
	assert.Equal(t, 1825, c.Intermediate.ValidityDays)
	assert.Equal(t, 365, c.Leaf.ValidityDays)
	assert.Equal(t, 168, c.CRL.NextUpdateHours)

	alg, err := c.KeyAlgorithm()
	require.NoError(t, err)
	assert.Equal(t, pki.RSA2048, alg)
	assert.Equal(t, filepath.Join("certs", "minica.db"), c.BboltFile())
}

func TestLoad_Empty(t *testing.T) {
	c, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), c)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "minica.toml", `
[store]
backend = "bbolt"
dir = "/var/lib/minica"

[keys]
algorithm = "ecdsa-p256"

[root.subject]
common_name = "Acme Root"

[leaf]
validity_days = 90
`)
	c, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, config.BackendBbolt, c.Store.Backend)
	assert.Equal(t, "/var/lib/minica/minica.db", c.BboltFile())
	assert.Equal(t, "Acme Root", c.Root.Subject.CommonName)
	assert.Equal(t, 90, c.Leaf.ValidityDays)
	// Untouched keys keep their defaults.
	assert.Equal(t, "Mini Root CA", c.Root.Subject.Organization)
	assert.Equal(t, 3650, c.Root.ValidityDays)

	alg, err := c.KeyAlgorithm()
	require.NoError(t, err)
	assert.Equal(t, pki.ECDSAP256, alg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "minica.yaml", `
store:
  backend: memory
intermediate:
  subject:
    organization: Acme Issuing
  validity_days: 700
serve:
  addr: ":9000"
`)
	c, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, config.BackendMemory, c.Store.Backend)
	assert.Equal(t, "Acme Issuing", c.Intermediate.Subject.Organization)
	assert.Equal(t, "Mini Intermediate CA", c.Intermediate.Subject.CommonName)
	assert.Equal(t, 700, c.Intermediate.ValidityDays)
	assert.Equal(t, ":9000", c.Serve.Addr)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(writeFile(t, "minica.json", `{}`))
	assert.ErrorContains(t, err, "unsupported file extension")

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "config: reading")

	_, err = config.Load(writeFile(t, "typo.toml", "[store]\nbakend = \"file\"\n"))
	assert.ErrorContains(t, err, "config: parsing")

	_, err = config.Load(writeFile(t, "typo.yml", "store:\n  bakend: file\n"))
	assert.ErrorContains(t, err, "config: parsing")
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		mutate func(*config.Config)
		want   string
	}{
		"backend":       {func(c *config.Config) { c.Store.Backend = "s3" }, "store.backend"},
		"dir":           {func(c *config.Config) { c.Store.Dir = "" }, "store.dir"},
		"algorithm":     {func(c *config.Config) { c.Keys.Algorithm = "dsa" }, "keys.algorithm"},
		"root cn":       {func(c *config.Config) { c.Root.Subject.CommonName = " " }, "root.subject.common_name"},
		"inter days":    {func(c *config.Config) { c.Intermediate.ValidityDays = 0 }, "intermediate.validity_days"},
		"inter > root":  {func(c *config.Config) { c.Intermediate.ValidityDays = 4000 }, "must not exceed"},
		"leaf days":     {func(c *config.Config) { c.Leaf.ValidityDays = -1 }, "leaf.validity_days"},
		"crl hours":     {func(c *config.Config) { c.CRL.NextUpdateHours = 0 }, "crl.next_update_hours"},
		"serve address": {func(c *config.Config) { c.Serve.Addr = "localhost" }, "serve.addr"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c := config.Default()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config: ")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		config.EnvStoreDir:      "/tmp/pki",
		config.EnvKeyPassphrase: "hunter2",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	c := config.Default().ApplyEnv(lookup)
	assert.Equal(t, "/tmp/pki", c.Store.Dir)
	assert.Equal(t, "hunter2", c.Passphrase(lookup))

	c.Keys.PassphraseEnv = ""
	assert.Empty(t, c.Passphrase(lookup))
}

func TestEncodeBlueprint(t *testing.T) {
	for _, name := range []string{"minica.toml", "minica.yaml"} {
		t.Run(name, func(t *testing.T) {
			data, err := config.Encode(config.Blueprint(), name)
			require.NoError(t, err)

			path := writeFile(t, name, string(data))
			c, err := config.Load(path)
			require.NoError(t, err)
			require.NoError(t, c.Validate())
			assert.Equal(t, config.Blueprint(), c)
		})
	}
}
