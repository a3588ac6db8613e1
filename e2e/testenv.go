package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ptgott/mailsender/smtptest"
)

// Credentials the test SMTP server accepts
const (
	testUsername = "myuser123"
	testPassword = "mypassword123"
)

// testEnvironmentConfig exposes options that should be available and
// perhaps changeable when spinning up a test environment. While they
// may not vary between tests, they shouldn't be buried inside
// functions.
type testEnvironmentConfig struct {
	// Serve plain SMTP and accept mail without AUTH
	anonymous bool
}

// testEnvironment manages all dependencies required to simulate a "real"
// environment and run the e2e tests. Callers should create this via
// startTestEnvironment.
type testEnvironment struct {
	SMTPServer  *smtptest.InProcessServer
	tempDirPath string
}

// startTestEnvironment spins up the SMTP server and a scratch directory for
// configuration and attachment files. Everything is torn down when the test
// ends.
func startTestEnvironment(t *testing.T, c testEnvironmentConfig) (*testEnvironment, error) {
	te := &testEnvironment{
		tempDirPath: t.TempDir(),
	}

	key, cert, err := smtptest.GenerateTLSFiles(t)
	if err != nil {
		return nil, fmt.Errorf("could not generate the TLS files: %w", err)
	}

	var opts []smtptest.InProcessServerOption
	if c.anonymous {
		opts = append(opts, smtptest.WithoutTLS(), smtptest.AllowAnonymous())
	}

	ts, err := smtptest.NewInProcessServer(key, cert, smtptest.Credentials{
		Username: testUsername,
		Password: testPassword,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not start the test SMTP server: %w", err)
	}
	te.SMTPServer = ts

	go ts.Start()
	t.Cleanup(te.tearDown)

	return te, nil
}

// tearDown stops the SMTP server. The scratch directory belongs to the test
// and is removed with it.
func (te *testEnvironment) tearDown() {
	if te.SMTPServer != nil {
		te.SMTPServer.Close()
	}
}

// writeFile creates a file in the scratch directory and returns its path.
func (te *testEnvironment) writeFile(name string, content []byte) (string, error) {
	p := filepath.Join(te.tempDirPath, name)
	if err := os.WriteFile(p, content, 0o600); err != nil {
		return "", fmt.Errorf("couldn't write %v: %w", name, err)
	}
	return p, nil
}
