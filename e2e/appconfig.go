package e2e

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
)

// appConfigOptions is used to fill in a config template with details unique to
// a specific test environment. Keep this as small as possible so the input
// remains as close to a "real" YAML document as we can make it. Also using
// YAML/JSON-compatible types only here.
//
// Fields are exported so we can use them in templates.
type appConfigOptions struct {
	Host         string
	Port         string
	Username     string
	Password     string
	To           string
	BodyHTMLFile string
	// Comma-separated, as the application expects
	Attachments      string
	ImageAttachments string
}

// createAppConfig writes a configuration YAML doc to the given path.
// Use this configuration to run the command in the e2e test environment
func createAppConfig(path string, opts appConfigOptions) error {
	configTemplate := `---
host: {{ .Host }}
port: {{ .Port }}
{{- if .Username }}
username: {{ .Username }}
password: {{ .Password }}
tlsSkipVerify: true
{{- end }}
timeout: 5
from: Newsletter <mynewsletter@example.com>
to: {{ .To }}
subject: Integration test
bodyPlain: Plain text version
{{- if .BodyHTMLFile }}
bodyHTMLFile: {{ .BodyHTMLFile }}
{{- end }}
{{- if .Attachments }}
attachments: {{ .Attachments }}
{{- end }}
{{- if .ImageAttachments }}
imageAttachments: {{ .ImageAttachments }}
{{- end }}
`

	tmpl, err := template.New("conf").Parse(configTemplate)

	// This means the config template string was written incorrectly. Not
	// an issue with the application itself.
	if err != nil {
		return fmt.Errorf("couldn't parse the application config template: %v", err)
	}

	var config bytes.Buffer

	err = tmpl.Execute(&config, opts)

	// This is an issue with the test environment, not the application
	if err != nil {
		return fmt.Errorf("couldn't populate the application config template: %v", err)
	}

	if err := os.WriteFile(path, config.Bytes(), 0o600); err != nil {
		return fmt.Errorf("couldn't write the config file: %v", err)
	}

	return nil
}
