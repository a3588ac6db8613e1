package userconfig

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/zostay/go-addr/pkg/addr"

	yaml "gopkg.in/yaml.v2"
)

// Defaults applied before any file or environment layer is read.
const (
	DefaultHost      = "localhost"
	DefaultPort      = 587
	DefaultTimeout   = "10"
	DefaultLocalName = "localhost"
	DefaultFrom      = "from@example.com"
	DefaultSubject   = "mailsender - default subject"
	DefaultBodyHTML  = "Email sent from <b>mailsender</b>"
)

// Configuration errors. Every one of them wraps ErrConfig so the caller can
// classify the failure without knowing which check tripped.
var (
	ErrConfig           = errors.New("invalid configuration")
	ErrMissingRecipient = fmt.Errorf("%w: the TO address is required", ErrConfig)
	ErrInvalidTimeout   = fmt.Errorf("%w: TIMEOUT must be a number greater than 0", ErrConfig)
	ErrInvalidPort      = fmt.Errorf("%w: PORT must be between 1 and 65535", ErrConfig)
	ErrInvalidAddress   = fmt.Errorf("%w: malformed email address", ErrConfig)
)

// Settings is the raw configuration surface, exactly as it is read from the
// YAML file and the environment. Nothing here has been validated. Use
// CheckAndSetDefaults to get a Meta.
type Settings struct {
	Host          string `yaml:"host" env:"HOST"`
	Port          int    `yaml:"port" env:"PORT"`
	Username      string `yaml:"username" env:"USERNAME"`
	Password      string `yaml:"password" env:"PASSWORD"`
	UseTLS        bool   `yaml:"useTLS" env:"USE_TLS"`
	TLSSkipVerify bool   `yaml:"tlsSkipVerify" env:"TLS_SKIP_VERIFY"`
	// Seconds, possibly fractional. Kept as a string so that a bad value
	// is reported as an invalid timeout rather than a parse failure.
	Timeout    string `yaml:"timeout" env:"TIMEOUT"`
	DebugLevel int    `yaml:"debugLevel" env:"DEBUG_LEVEL"`
	LocalName  string `yaml:"localName" env:"LOCAL_NAME"`

	From         string `yaml:"from" env:"FROM"`
	To           string `yaml:"to" env:"TO"`
	Subject      string `yaml:"subject" env:"SUBJECT"`
	BodyPlain    string `yaml:"bodyPlain" env:"BODY_PLAIN"`
	BodyHTML     string `yaml:"bodyHTML" env:"BODY_HTML"`
	BodyHTMLFile string `yaml:"bodyHTMLFile" env:"BODY_HTML_FILE"`
	// Comma-separated file paths
	Attachments      string `yaml:"attachments" env:"ATTACHMENTS"`
	ImageAttachments string `yaml:"imageAttachments" env:"IMAGE_ATTACHMENTS"`
	// e.g. "25MiB". Empty or "0" disables the cap.
	MaxAttachmentSize string `yaml:"maxAttachmentSize" env:"MAX_ATTACHMENT_SIZE"`
}

// Meta is the validated configuration for a single run. It is handed to the
// message builder and the delivery client by value and is not modified after
// CheckAndSetDefaults returns it.
type Meta struct {
	Relay   Relay
	Message Message
}

// Relay holds everything needed to talk to the SMTP server.
type Relay struct {
	Host          string
	Port          int
	Username      string
	Password      string
	UseTLS        bool
	TLSSkipVerify bool
	Timeout       time.Duration
	// 0 disables protocol tracing. 1 logs every command and reply, 2 also
	// logs payload sizes.
	DebugLevel int
	LocalName  string
}

// Address returns host:port.
func (r Relay) Address() string {
	return fmt.Sprintf("%v:%v", r.Host, r.Port)
}

// WantsTLS reports whether STARTTLS must be negotiated. A configured
// password always forces it so credentials never cross the wire in clear.
func (r Relay) WantsTLS() bool {
	return r.UseTLS || r.Password != ""
}

// WantsAuth reports whether SMTP AUTH should be attempted.
func (r Relay) WantsAuth() bool {
	return r.Username != "" || r.Password != ""
}

// Message holds the content of the email to build.
type Message struct {
	From      string
	To        string
	Subject   string
	BodyPlain string
	BodyHTML  string
	// Attachment and inline image paths, in the order they are attached
	AttachmentPaths  []string
	InlineImagePaths []string
	// Bytes. Zero means unlimited.
	MaxAttachmentSize int64
}

// LoadOptions controls where Load looks for configuration.
type LoadOptions struct {
	// Optional YAML file used as the base layer
	ConfigPath string
	// Optional dotenv file. Variables in the process environment win over
	// the ones in this file.
	EnvFile string
	// Prepended to every environment variable name, e.g. "MAILSENDER_"
	EnvPrefix string
	// Environment in os.Environ() form. Nil means the process environment.
	Environ []string
}

// NewSettings returns Settings populated with the defaults.
func NewSettings() *Settings {
	return &Settings{
		Host:      DefaultHost,
		Port:      DefaultPort,
		Timeout:   DefaultTimeout,
		LocalName: DefaultLocalName,
		From:      DefaultFrom,
		Subject:   DefaultSubject,
		BodyHTML:  DefaultBodyHTML,
	}
}

// Load reads the configuration layers in order of increasing precedence:
// defaults, the YAML file, the dotenv file and the environment. It does not
// validate the result.
func Load(opts LoadOptions) (*Settings, error) {
	s := NewSettings()

	if opts.ConfigPath != "" {
		f, err := os.Open(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("%w: can't open the config file: %v", ErrConfig, err)
		}
		defer f.Close()

		if err := s.decodeYAML(f); err != nil {
			return nil, err
		}
	}

	environ, err := environment(opts)
	if err != nil {
		return nil, err
	}

	err = env.ParseWithOptions(s, env.Options{
		Prefix:      opts.EnvPrefix,
		Environment: environ,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: can't read the environment: %v", ErrConfig, err)
	}

	// An empty value is indistinguishable from an unset one for the env
	// parser, but a body that is set to nothing has to clear its default.
	if v, ok := environ[opts.EnvPrefix+"BODY_PLAIN"]; ok && v == "" {
		s.BodyPlain = ""
	}
	if v, ok := environ[opts.EnvPrefix+"BODY_HTML"]; ok && v == "" {
		s.BodyHTML = ""
	}

	s.resolveHTMLFile()

	return s, nil
}

// Parse reads Settings from a YAML document on top of the defaults.
func Parse(r io.Reader) (*Settings, error) {
	s := NewSettings()
	if err := s.decodeYAML(r); err != nil {
		return &Settings{}, err
	}
	return s, nil
}

func (s *Settings) decodeYAML(r io.Reader) error {
	err := yaml.NewDecoder(r).Decode(s)
	// An empty file leaves the defaults alone
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: can't read the config file as YAML: %v", ErrConfig, err)
	}
	return nil
}

// environment merges the dotenv file, if any, underneath the process
// environment.
func environment(opts LoadOptions) (map[string]string, error) {
	m := make(map[string]string)

	if opts.EnvFile != "" {
		fileEnv, err := godotenv.Read(opts.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("%w: can't read the env file: %v", ErrConfig, err)
		}
		for k, v := range fileEnv {
			m[k] = v
		}
	}

	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m[k] = v
	}

	return m, nil
}

// resolveHTMLFile replaces BodyHTML with the contents of BodyHTMLFile. A file
// that can't be read is logged and the existing HTML body is kept.
func (s *Settings) resolveHTMLFile() {
	if s.BodyHTMLFile == "" {
		return
	}

	log.Info().Str("path", s.BodyHTMLFile).Msg("using HTML file as html content")
	b, err := os.ReadFile(s.BodyHTMLFile)
	if err != nil {
		log.Error().
			Err(err).
			Str("path", s.BodyHTMLFile).
			Msg("error opening HTML file, continuing with the provided BODY_HTML if any")
		return
	}
	s.BodyHTML = string(b)
}

// CheckAndSetDefaults validates s and either returns a Meta with default
// settings applied or returns an error due to an invalid configuration. All
// errors wrap ErrConfig.
func (s *Settings) CheckAndSetDefaults() (Meta, error) {
	if strings.TrimSpace(s.To) == "" {
		return Meta{}, ErrMissingRecipient
	}

	timeout, err := ParseTimeout(s.Timeout)
	if err != nil {
		return Meta{}, err
	}

	if s.Port <= 0 || s.Port > math.MaxUint16 {
		return Meta{}, fmt.Errorf("%w (got %v)", ErrInvalidPort, s.Port)
	}

	for _, a := range []struct{ name, value string }{
		{"FROM", s.From},
		{"TO", s.To},
	} {
		if _, err := addr.ParseEmailMailbox(a.value); err != nil {
			return Meta{}, fmt.Errorf("%w: %v %q: %v", ErrInvalidAddress, a.name, a.value, err)
		}
	}

	var maxSize int64
	if ms := strings.TrimSpace(s.MaxAttachmentSize); ms != "" && ms != "0" {
		maxSize, err = units.ParseStrictBytes(ms)
		if err != nil || maxSize < 0 {
			return Meta{}, fmt.Errorf("%w: can't parse MAX_ATTACHMENT_SIZE %q", ErrConfig, ms)
		}
	}

	host := s.Host
	if host == "" {
		host = DefaultHost
	}
	localName := s.LocalName
	if localName == "" {
		localName = DefaultLocalName
	}

	return Meta{
		Relay: Relay{
			Host:          host,
			Port:          s.Port,
			Username:      s.Username,
			Password:      s.Password,
			UseTLS:        s.UseTLS,
			TLSSkipVerify: s.TLSSkipVerify,
			Timeout:       timeout,
			DebugLevel:    s.DebugLevel,
			LocalName:     localName,
		},
		Message: Message{
			From:              s.From,
			To:                strings.TrimSpace(s.To),
			Subject:           s.Subject,
			BodyPlain:         s.BodyPlain,
			BodyHTML:          s.BodyHTML,
			AttachmentPaths:   SplitPaths(s.Attachments),
			InlineImagePaths:  SplitPaths(s.ImageAttachments),
			MaxAttachmentSize: maxSize,
		},
	}, nil
}

// Longest timeout a time.Duration can hold, in seconds
const maxTimeoutSeconds = float64(math.MaxInt64 / int64(time.Second))

// ParseTimeout converts a number of seconds into a time.Duration. The value
// must be a finite number that converts to at least one nanosecond and fits
// in a time.Duration.
func ParseTimeout(v string) (time.Duration, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(f) || f <= 0 || f > maxTimeoutSeconds {
		return 0, fmt.Errorf("%w (got %q)", ErrInvalidTimeout, v)
	}
	d := time.Duration(f * float64(time.Second))
	if d <= 0 {
		return 0, fmt.Errorf("%w (got %q)", ErrInvalidTimeout, v)
	}
	return d, nil
}

// SplitPaths splits a comma-separated list of file paths, dropping blanks.
// Order is preserved.
func SplitPaths(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var paths []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		paths = append(paths, filepath.Clean(p))
	}
	return paths
}
