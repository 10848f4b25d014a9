// Package cli provides commands of xtoken tool
package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/ctl"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/backend"
	"github.com/effective-security/xtoken/jwt"

	// register providers
	_ "github.com/effective-security/xtoken/backend/awskmsbackend"
	_ "github.com/effective-security/xtoken/backend/gcpkmsbackend"
	_ "github.com/effective-security/xtoken/backend/jwksbackend"
	_ "github.com/effective-security/xtoken/backend/localbackend"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "cli")

// Cli provides CLI context to run commands
type Cli struct {
	Version ctl.VersionFlag `name:"version" help:"Print version information and quit" hidden:""`

	Cfg        string   `help:"Location of backend config file, JSON or YAML" type:"path"`
	Provider   string   `help:"Backend provider: local, AWSKMS, GCPKMS or JWKS, overrides the config"`
	KeyID      string   `name:"key-id" help:"Key ID in KMS, or kid in the key set, overrides the config"`
	URL        string   `name:"url" help:"URL of JWKS document, overrides the config"`
	Attributes string   `help:"Provider attributes, like Region=us-west-2, overrides the config"`
	Algorithms []string `name:"algs" help:"Algorithms to enable, overrides the config"`

	Debug    bool   `short:"D" help:"Enable debug mode"`
	LogLevel string `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`

	// Stdin is the source to read from, typically set to os.Stdin
	stdin io.Reader
	// Output is the destination for all output from the command, typically set to os.Stdout
	output io.Writer
	// ErrOutput is the destinaton for errors.
	// If not set, errors will be written to os.StdError
	errOutput io.Writer

	ctx    context.Context
	engine *jwt.Engine
}

// Context for requests
func (c *Cli) Context() context.Context {
	if c.ctx == nil {
		c.ctx = context.Background()
	}
	return c.ctx
}

// Reader is the source to read from, typically set to os.Stdin
func (c *Cli) Reader() io.Reader {
	if c.stdin != nil {
		return c.stdin
	}
	return os.Stdin
}

// WithReader allows to specify a custom reader
func (c *Cli) WithReader(reader io.Reader) *Cli {
	c.stdin = reader
	return c
}

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for control output
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// AfterApply hook sets the log level
func (c *Cli) AfterApply(_ *kong.Kong, _ kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		val := strings.TrimLeft(c.LogLevel, "=")
		l, err := xlog.ParseLevel(strings.ToUpper(val))
		if err != nil {
			return errors.WithStack(err)
		}
		xlog.SetGlobalLogLevel(l)
	}

	return nil
}

// WriteJSON prints response to out
func (c *Cli) WriteJSON(value any) error {
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.WithMessage(err, "failed to encode")
	}
	_, _ = c.Writer().Write(b)
	_, _ = c.Writer().Write([]byte("\n"))
	return nil
}

// ReadFile reads from stdin if the file is "-"
func (c *Cli) ReadFile(filename string) ([]byte, error) {
	if filename == "" {
		return nil, errors.New("empty file name")
	}
	if filename == "-" {
		return io.ReadAll(c.Reader())
	}
	return os.ReadFile(filename)
}

// ReadValue returns the value, or content of the file
// if the value starts with @, or stdin if the value is "-"
func (c *Cli) ReadValue(value string) ([]byte, error) {
	if value == "-" {
		return c.ReadFile(value)
	}
	if file, ok := strings.CutPrefix(value, "@"); ok {
		return c.ReadFile(file)
	}
	return []byte(value), nil
}

// Config returns backend configuration from the config file
// with the flags applied
func (c *Cli) Config() (*backend.Config, error) {
	cfg := &backend.Config{}
	if c.Cfg != "" {
		var err error
		cfg, err = backend.LoadConfig(c.Cfg)
		if err != nil {
			return nil, err
		}
	}

	err := cfg.Overlay(&backend.Config{
		Provider:   c.Provider,
		KeyID:      c.KeyID,
		URL:        c.URL,
		Attributes: c.Attributes,
		Algorithms: c.Algorithms,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Provider == "" {
		return nil, errors.New("use --cfg or --provider flag to specify the backend")
	}
	return cfg, nil
}

// Engine returns the token engine, loaded on first use
func (c *Cli) Engine() (*jwt.Engine, error) {
	if c.engine != nil {
		return c.engine, nil
	}

	cfg, err := c.Config()
	if err != nil {
		return nil, err
	}

	c.engine, err = backend.NewEngine(c.Context(), cfg)
	if err != nil {
		return nil, err
	}

	logger.KV(xlog.DEBUG, "provider", cfg.Provider, "enabled", c.engine.Backend().Enabled())
	return c.engine, nil
}
