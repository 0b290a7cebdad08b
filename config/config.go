// Package config loads node settings from the environment, an optional .env file
// and command line flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	defaultListenPort     = 8887
	defaultListenPath     = "/{ws}"
	defaultRequestTimeout = 30 * time.Second
	defaultStatusAddr     = ":8080"

	envVarNodeID               = "NODE_ID"
	envVarServerPort           = "SERVER_LISTEN_PORT"
	envVarServerPath           = "SERVER_LISTEN_PATH"
	envVarUpstreamURL          = "UPSTREAM_URL"
	envVarUpstreamID           = "UPSTREAM_ID"
	envVarUpstreamEnvelope     = "UPSTREAM_ENVELOPE"
	envVarRequestTimeout       = "REQUEST_TIMEOUT"
	envVarNatsURL              = "NATS_URL"
	envVarStatusAddr           = "STATUS_LISTEN_ADDR"
	envVarSigningKey           = "SIGNING_KEY_PATH"
	envVarLogLevel             = "LOG_LEVEL"
	envVarTls                  = "TLS_ENABLED"
	envVarCaCertificate        = "CA_CERTIFICATE_PATH"
	envVarServerCertificate    = "SERVER_CERTIFICATE_PATH"
	envVarServerCertificateKey = "SERVER_CERTIFICATE_KEY_PATH"
)

type Config struct {
	NodeID         string        `validate:"required,max=36"`
	ListenPort     int           `validate:"gte=0,lte=65535"`
	ListenPath     string        `validate:"required,startswith=/"`
	UpstreamURL    string        `validate:"omitempty,url"`
	UpstreamID     string        `validate:"required_with=UpstreamURL"`
	UpstreamPlain  bool
	RequestTimeout time.Duration `validate:"gt=0"`
	NatsURL        string        `validate:"omitempty,url"`
	StatusAddr     string
	SigningKeyPath string `validate:"omitempty,file"`
	LogLevel       string `validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`

	TLS                      bool
	CACertificatePath        string `validate:"omitempty,file"`
	ServerCertificatePath    string `validate:"required_if=TLS true"`
	ServerCertificateKeyPath string `validate:"required_if=TLS true"`
}

func Default() Config {
	return Config{
		ListenPort:     defaultListenPort,
		ListenPath:     defaultListenPath,
		RequestTimeout: defaultRequestTimeout,
		StatusAddr:     defaultStatusAddr,
		LogLevel:       "info",
	}
}

// Load reads the optional .env files, then the environment, on top of Default.
// The result is not validated; call Validate once flags have been applied.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && len(files) > 0 {
		return Config{}, fmt.Errorf("couldn't read %v: %w", strings.Join(files, ", "), err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv reads the settings through lookup, which has the signature of os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	var err error

	if v, ok := lookup(envVarNodeID); ok {
		c.NodeID = v
	}
	if v, ok := lookup(envVarServerPort); ok {
		if c.ListenPort, err = strconv.Atoi(v); err != nil {
			return c, fmt.Errorf("invalid %v: %w", envVarServerPort, err)
		}
	}
	if v, ok := lookup(envVarServerPath); ok {
		c.ListenPath = v
	}
	if v, ok := lookup(envVarUpstreamURL); ok {
		c.UpstreamURL = v
	}
	if v, ok := lookup(envVarUpstreamID); ok {
		c.UpstreamID = v
	}
	if v, ok := lookup(envVarUpstreamEnvelope); ok {
		envelope, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("invalid %v: %w", envVarUpstreamEnvelope, err)
		}
		c.UpstreamPlain = !envelope
	}
	if v, ok := lookup(envVarRequestTimeout); ok {
		if c.RequestTimeout, err = time.ParseDuration(v); err != nil {
			return c, fmt.Errorf("invalid %v: %w", envVarRequestTimeout, err)
		}
	}
	if v, ok := lookup(envVarNatsURL); ok {
		c.NatsURL = v
	}
	if v, ok := lookup(envVarStatusAddr); ok {
		c.StatusAddr = v
	}
	if v, ok := lookup(envVarSigningKey); ok {
		c.SigningKeyPath = v
	}
	if v, ok := lookup(envVarLogLevel); ok {
		c.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookup(envVarTls); ok {
		if c.TLS, err = strconv.ParseBool(v); err != nil {
			return c, fmt.Errorf("invalid %v: %w", envVarTls, err)
		}
	}
	if v, ok := lookup(envVarCaCertificate); ok {
		c.CACertificatePath = v
	}
	if v, ok := lookup(envVarServerCertificate); ok {
		c.ServerCertificatePath = v
	}
	if v, ok := lookup(envVarServerCertificateKey); ok {
		c.ServerCertificateKeyPath = v
	}
	return c, nil
}

var validate = validator.New()

func (c Config) Validate() error {
	return validate.Struct(&c)
}

// Level returns the logrus level, falling back to info.
func (c Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
