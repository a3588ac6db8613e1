package smtptest

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashmob/go-guerrilla/tests/testcert"
)

// TLSHost is the host the generated certificate is valid for.
const TLSHost = "127.0.0.1"

// GenerateTLSFiles writes a TLS key and certificate to a temporary test
// directory that is removed after the test suite runs. It returns the file
// paths of the key and certificate. The certificate is a root cert.
func GenerateTLSFiles(t *testing.T) (keyPath string, certPath string, err error) {
	d := t.TempDir()
	err = testcert.GenerateCert(
		TLSHost,
		"",                         // defaults to now
		time.Duration(1)*time.Hour, // the test suite won't run for this long
		true,                       // is a CA cert
		2048,                       // usually seen in online tutorials
		"",                         // using the default ecdsa curve,
		d+string(filepath.Separator),
	)

	if err != nil {
		return
	}

	// These path names are hardcoded into testcert.GenerateCert
	keyPath = filepath.Join(d, TLSHost+".key.pem")
	certPath = filepath.Join(d, TLSHost+".cert.pem")

	return
}

// CertPool returns a pool that trusts the certificate at certPath, for
// clients that verify the test server.
func CertPool(certPath string) (*x509.CertPool, error) {
	b, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	p := x509.NewCertPool()
	if !p.AppendCertsFromPEM(b) {
		return nil, fmt.Errorf("no certificates found in %v", certPath)
	}
	return p, nil
}

