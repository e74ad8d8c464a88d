package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/minica/pki"
)

const maxStatusBody = 64 << 10

func newServeCmd(a *app) *cobra.Command {
	var (
		addr    string
		tlsCert string
		tlsKey  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve CA certificates, CRLs and revocation status over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.store()
			if err != nil {
				return err
			}
			registry, err := a.registry()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.Serve.Addr
			}

			d := &distribution{store: store, registry: registry, logger: a.logger}
			server := &http.Server{
				Addr:              addr,
				Handler:           d.routes(),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if tlsCert != "" || tlsKey != "" {
				cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
				if err != nil {
					return fmt.Errorf("failed to load TLS key pair: %w", err)
				}
				server.TLSConfig = &tls.Config{
					Certificates: []tls.Certificate{cert},
					MinVersion:   tls.VersionTLS12,
				}
			}

			// Graceful shutdown on SIGINT/SIGTERM.
			done := make(chan error, 1)
			go func() {
				var err error
				if server.TLSConfig != nil {
					err = server.ListenAndServeTLS("", "")
				} else {
					err = server.ListenAndServe()
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					done <- fmt.Errorf("server failed: %w", err)
					return
				}
				done <- nil
			}()

			out := cmd.OutOrStdout()
			printBanner(out)
			fmt.Fprintf(out, "Serving on %s (store: %s)...\n", addr, a.cfg.Store.Backend)

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case sig := <-quit:
				fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					return fmt.Errorf("server shutdown failed: %w", err)
				}
				return nil
			case err := <-done:
				return err
			}
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "Listen address (default from config)")
	f.StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	return cmd
}

// distribution serves the public half of the CA. Nothing it exposes can
// change state.
type distribution struct {
	store    *pki.Store
	registry *pki.Registry
	logger   *slog.Logger
}

func (d *distribution) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Get("/ca/{authority}.pem", d.handleCertificate)
	r.Get("/ca/chain.pem", d.handleChain)
	r.Get("/crl/{authority}.crl", d.handleCRL)
	r.Get("/certs/{name}/status", d.handleStoredStatus)
	r.Post("/status", d.handleStatus)
	return r
}

func (d *distribution) handleCertificate(w http.ResponseWriter, r *http.Request) {
	name, err := authorityName(chi.URLParam(r, "authority"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	cert, err := d.store.LoadCertificate(name)
	if err != nil {
		d.writeError(w, err)
		return
	}
	data, err := pki.EncodeCertificate(cert)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writePEM(w, data)
}

func (d *distribution) handleChain(w http.ResponseWriter, r *http.Request) {
	var chain []byte
	for _, name := range []string{pki.IntermediateAuthorityName, pki.RootAuthorityName} {
		cert, err := d.store.LoadCertificate(name)
		if err != nil {
			d.writeError(w, err)
			return
		}
		data, err := pki.EncodeCertificate(cert)
		if err != nil {
			d.writeError(w, err)
			return
		}
		chain = append(chain, data...)
	}
	writePEM(w, chain)
}

func (d *distribution) handleCRL(w http.ResponseWriter, r *http.Request) {
	name, err := authorityName(chi.URLParam(r, "authority"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	cert, err := d.store.LoadCertificate(name)
	if err != nil {
		d.writeError(w, err)
		return
	}
	crl, err := d.registry.LoadCRL(r.Context(), cert)
	if err != nil {
		d.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pkix-crl")
	w.Write(crl)
}

func (d *distribution) handleStoredStatus(w http.ResponseWriter, r *http.Request) {
	cert, err := d.store.LoadCertificate(chi.URLParam(r, "name"))
	if err != nil {
		d.writeError(w, err)
		return
	}
	d.writeStatus(w, r, cert)
}

func (d *distribution) handleStatus(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStatusBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	cert, err := pki.DecodeCertificate(body)
	if err != nil {
		d.writeError(w, err)
		return
	}
	d.writeStatus(w, r, cert)
}

type statusResponse struct {
	Subject   string     `json:"subject"`
	Serial    string     `json:"serial_number"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func (d *distribution) writeStatus(w http.ResponseWriter, r *http.Request, cert *x509.Certificate) {
	status, err := d.registry.CheckStatus(r.Context(), cert)
	if err != nil {
		d.writeError(w, err)
		return
	}
	resp := statusResponse{
		Subject: pki.SubjectString(cert.Subject),
		Serial:  pki.Describe(cert, time.Now()).SerialNumber,
		Status:  status.State.String(),
	}
	if status.State == pki.StateRevoked {
		resp.Reason = status.Reason.String()
		resp.RevokedAt = &status.RevokedAt
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writePEM(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Write(data)
}

// writeError maps the error kinds onto HTTP status codes.
func (d *distribution) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, pki.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, pki.ErrMalformedCertificate):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		logger := d.logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("distribution request failed", "error", err)
	}
	http.Error(w, http.StatusText(code), code)
}
