package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ptgott/mailsender/delivery"
	"github.com/ptgott/mailsender/email"
	"github.com/ptgott/mailsender/userconfig"
)

// Process exit codes
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitConfig     = 2
	ExitAttachment = 3
	ExitDelivery   = 4
)

type options struct {
	configPath string
	envFile    string
	envPrefix  string
	level      string
	noEmail    bool
}

// reportedError has already been logged as the run's final line.
type reportedError struct {
	err error
}

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

// NewRootCommand returns the mailsender command. environ is read instead of
// the process environment unless it is nil.
func NewRootCommand(environ []string) *cobra.Command {
	o := &options{}

	c := &cobra.Command{
		Use:   "mailsender",
		Short: "Sends one email through an SMTP relay",
		Long: `Builds a single email from the environment and an optional YAML
file, then delivers it through an SMTP relay and confirms the relay is still
answering afterwards.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, _ []string) error {
			return run(c, o, environ)
		},
	}

	f := c.Flags()
	f.StringVar(&o.configPath, "config", "", "path to a YAML file containing your configuration")
	f.StringVar(&o.envFile, "env-file", "", "path to a dotenv file read underneath the environment")
	f.StringVar(&o.envPrefix, "env-prefix", "", `prefix for every environment variable, e.g. "MAILSENDER_"`)
	f.StringVar(&o.level, "level", "info", `log level: "info", "debug", or "warn"`)
	f.BoolVar(&o.noEmail, "noemail", false, "print the email to stdout instead of sending it")

	return c
}

// Execute runs the root command against the process environment and returns
// the exit code.
func Execute() int {
	c := NewRootCommand(nil)
	err := c.Execute()
	var re reportedError
	if err != nil && !errors.As(err, &re) {
		// Flag and argument errors never reach run
		setupLogging(c.ErrOrStderr(), "info")
		log.Error().Err(err).Msg("Invalid command line")
	}
	return ExitCode(err)
}

// ExitCode maps an error returned by the root command to a process exit
// code.
func ExitCode(err error) int {
	var de *delivery.Error
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, userconfig.ErrConfig):
		return ExitConfig
	case errors.Is(err, email.ErrMissingAttachment),
		errors.Is(err, email.ErrNotAnImage),
		errors.Is(err, email.ErrAttachmentTooLarge):
		return ExitAttachment
	case errors.As(err, &de):
		return ExitDelivery
	default:
		return ExitFailure
	}
}

func run(c *cobra.Command, o *options, environ []string) error {
	setupLogging(c.ErrOrStderr(), o.level)

	log.Info().
		Str("configPath", o.configPath).
		Str("envFile", o.envFile).
		Msg("starting the application")

	s, err := userconfig.Load(userconfig.LoadOptions{
		ConfigPath: o.configPath,
		EnvFile:    o.envFile,
		EnvPrefix:  o.envPrefix,
		Environ:    environ,
	})
	if err != nil {
		return fail("", err)
	}

	meta, err := s.CheckAndSetDefaults()
	if err != nil {
		return fail(s.To, err)
	}
	to := meta.Message.To

	// Protocol traces are logged at debug level
	if meta.Relay.DebugLevel > 0 && o.level != "debug" {
		setupLogging(c.ErrOrStderr(), "debug")
	}

	log.Info().
		Str("relay", meta.Relay.Address()).
		Bool("tls", meta.Relay.WantsTLS()).
		Bool("auth", meta.Relay.WantsAuth()).
		Msg("successfully validated the config")

	m, err := email.Build(meta.Message)
	if err != nil {
		return fail(to, err)
	}

	if o.noEmail {
		if _, err := m.WriteTo(c.OutOrStdout()); err != nil {
			return fail(to, fmt.Errorf("can't print the email: %w", err))
		}
		log.Info().Str("to", to).Msg("Printed the email instead of sending it")
		return nil
	}

	res, err := delivery.New(meta.Relay).Send(c.Context(), m)
	if err != nil {
		log.Error().Int("code", res.Code).Msg(res.Message)
		return reportedError{err}
	}

	log.Info().Int("code", res.Code).Msg(res.Message)
	return nil
}

// fail logs the run's failure line for errors that happen before delivery
// starts.
func fail(to string, err error) error {
	log.Error().Msgf("Failed to send email to %v: %v", to, err)
	return reportedError{err}
}

// setupLogging sends human-readable logs with the caller's location to w.
func setupLogging(w io.Writer, level string) {
	l := zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).
		With().
		Timestamp().
		Caller().
		Logger()

	switch level {
	case "debug":
		l = l.Level(zerolog.DebugLevel)
	case "warn":
		l = l.Level(zerolog.WarnLevel)
	default:
		l = l.Level(zerolog.InfoLevel)
	}

	log.Logger = l
}
