package worker

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/pkg/errors"
)

// TLSConfig describes the certificate material for a mutually
// authenticated worker session, and the fingerprints of the client
// certificates this dispatcher will accept.
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string

	// PinnedFingerprints are SHA-256 fingerprints (hex) of worker
	// client certificates allowed to connect. Empty disables pinning
	// (any cert signed by CAFile is accepted).
	PinnedFingerprints []string
}

// ServerConfig builds a *tls.Config for the dispatcher's listener:
// requires and verifies a client certificate, then pins it by
// SHA-256 fingerprint.
func (c TLSConfig) ServerConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "worker: load server keypair")
	}

	pool, err := loadCAPool(c.CAFile)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}

	if len(c.PinnedFingerprints) > 0 {
		allowed := make(map[string]struct{}, len(c.PinnedFingerprints))
		for _, fp := range c.PinnedFingerprints {
			allowed[fp] = struct{}{}
		}
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				sum := sha256.Sum256(raw)
				if _, ok := allowed[fingerprintHex(sum[:])]; ok {
					return nil
				}
			}
			return errors.New("worker: client certificate fingerprint not in allow list")
		}
	}

	return cfg, nil
}

// ClientConfig builds a *tls.Config for a worker-side dialer.
func (c TLSConfig) ClientConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "worker: load client keypair")
	}

	pool, err := loadCAPool(c.CAFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Wrap(err, "worker: read ca file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("worker: failed to parse ca file")
	}
	return pool, nil
}

func fingerprintHex(sum []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(sum)*2)
	for i, b := range sum {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
