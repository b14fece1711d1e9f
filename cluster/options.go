// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package cluster

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cloudresty/go-env"

	"github.com/mongocore/driver/address"
	"github.com/mongocore/driver/driver/auth"
	"github.com/mongocore/driver/driver/topology"
	"github.com/mongocore/driver/event"
	"github.com/mongocore/driver/internal/logger"
	"github.com/mongocore/driver/readpref"
	"github.com/mongocore/driver/writeconcern"
)

// Config describes how the cluster connects to and monitors a deployment. The
// zero value is not usable; construct one with NewConfig, which applies the
// defaults from struct tags and the MONGOCORE_* environment.
type Config struct {
	// Hosts is a comma-separated seed list.
	Hosts string `env:"MONGOCORE_HOSTS,default=localhost:27017"`

	AppName string `env:"MONGOCORE_APP_NAME"`

	Username      string `env:"MONGOCORE_USERNAME"`
	Password      string `env:"MONGOCORE_PASSWORD"`
	AuthMechanism string `env:"MONGOCORE_AUTH_MECHANISM"`
	AuthSource    string `env:"MONGOCORE_AUTH_SOURCE,default=admin"`

	ReplicaSet       string `env:"MONGOCORE_REPLICA_SET"`
	DirectConnection bool   `env:"MONGOCORE_DIRECT_CONNECTION,default=false"`
	LoadBalanced     bool   `env:"MONGOCORE_LOAD_BALANCED,default=false"`

	ConnectTimeout         time.Duration `env:"MONGOCORE_CONNECT_TIMEOUT,default=10s"`
	SocketTimeout          time.Duration `env:"MONGOCORE_SOCKET_TIMEOUT,default=0s"`
	ServerSelectionTimeout time.Duration `env:"MONGOCORE_SERVER_SELECTION_TIMEOUT,default=30s"`
	ServerSelectionTryOnce bool          `env:"MONGOCORE_SERVER_SELECTION_TRY_ONCE,default=true"`
	HeartbeatInterval      time.Duration `env:"MONGOCORE_HEARTBEAT_INTERVAL,default=10s"`
	LocalThreshold         time.Duration `env:"MONGOCORE_LOCAL_THRESHOLD,default=15ms"`

	MaxPoolSize uint64        `env:"MONGOCORE_MAX_POOL_SIZE,default=100"`
	MinPoolSize uint64        `env:"MONGOCORE_MIN_POOL_SIZE,default=0"`
	MaxIdleTime time.Duration `env:"MONGOCORE_MAX_IDLE_TIME,default=0s"`

	// Compressors is an ordered comma-separated list among "snappy", "zlib",
	// and "zstd".
	Compressors          string `env:"MONGOCORE_COMPRESSORS"`
	ZlibCompressionLevel int    `env:"MONGOCORE_ZLIB_COMPRESSION_LEVEL,default=6"`
	ZstdCompressionLevel int    `env:"MONGOCORE_ZSTD_COMPRESSION_LEVEL,default=6"`

	RetryReads  bool `env:"MONGOCORE_RETRY_READS,default=true"`
	RetryWrites bool `env:"MONGOCORE_RETRY_WRITES,default=true"`

	// SingleThreaded disables background monitors; topology scans run on the
	// selecting goroutine.
	SingleThreaded bool `env:"MONGOCORE_SINGLE_THREADED,default=false"`

	// TLS settings. TLSCAFile and TLSCertificateKeyFile name PEM files on
	// disk; TLSCertificateKeyPassword decrypts an encrypted private key.
	TLSEnabled                bool   `env:"MONGOCORE_TLS_ENABLED,default=false"`
	TLSCAFile                 string `env:"MONGOCORE_TLS_CA_FILE"`
	TLSCertificateKeyFile     string `env:"MONGOCORE_TLS_CERT_KEY_FILE"`
	TLSCertificateKeyPassword string `env:"MONGOCORE_TLS_CERT_KEY_PASSWORD"`
	TLSInsecure               bool   `env:"MONGOCORE_TLS_INSECURE,default=false"`

	// ReadPreference is the default read preference mode for operations run
	// through RunCommand.
	ReadPreference string `env:"MONGOCORE_READ_PREFERENCE,default=primary"`

	// WriteConcern is the default write concern ("majority", "1", ...).
	WriteConcern string `env:"MONGOCORE_WRITE_CONCERN"`

	// Monitors, loggers, and sinks are not env-configurable.
	CommandMonitor     *event.CommandMonitor
	PoolMonitor        *event.PoolMonitor
	ServerMonitor      *event.ServerMonitor
	LogSink            logger.LogSink
	LogComponentLevels map[logger.Component]logger.Level
}

// Option mutates a Config.
type Option func(*Config) error

// NewConfig builds a Config from the environment and the provided options,
// validating the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{}

	if err := env.Bind(cfg, env.DefaultBindingOptions()); err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// WithHosts sets the seed list.
func WithHosts(hosts ...string) Option {
	return func(cfg *Config) error {
		cfg.Hosts = strings.Join(hosts, ",")
		return nil
	}
}

// WithAppName sets the application name sent in the handshake.
func WithAppName(name string) Option {
	return func(cfg *Config) error {
		cfg.AppName = name
		return nil
	}
}

// WithCredential sets the username, password, and optional mechanism used to
// authenticate connections.
func WithCredential(username, password, mechanism string) Option {
	return func(cfg *Config) error {
		cfg.Username = username
		cfg.Password = password
		cfg.AuthMechanism = mechanism
		return nil
	}
}

// WithReplicaSet requires the given replica set name.
func WithReplicaSet(name string) Option {
	return func(cfg *Config) error {
		cfg.ReplicaSet = name
		return nil
	}
}

// WithDirectConnection forces a Single topology even with a replica set seed.
func WithDirectConnection(direct bool) Option {
	return func(cfg *Config) error {
		cfg.DirectConnection = direct
		return nil
	}
}

// WithCompressors sets the ordered compressor list.
func WithCompressors(compressors ...string) Option {
	return func(cfg *Config) error {
		cfg.Compressors = strings.Join(compressors, ",")
		return nil
	}
}

// WithTLS enables TLS with the provided CA and client certificate files.
func WithTLS(caFile, certKeyFile, keyPassword string) Option {
	return func(cfg *Config) error {
		cfg.TLSEnabled = true
		cfg.TLSCAFile = caFile
		cfg.TLSCertificateKeyFile = certKeyFile
		cfg.TLSCertificateKeyPassword = keyPassword
		return nil
	}
}

// WithCommandMonitor registers APM command callbacks.
func WithCommandMonitor(monitor *event.CommandMonitor) Option {
	return func(cfg *Config) error {
		cfg.CommandMonitor = monitor
		return nil
	}
}

// WithPoolMonitor registers APM pool callbacks.
func WithPoolMonitor(monitor *event.PoolMonitor) Option {
	return func(cfg *Config) error {
		cfg.PoolMonitor = monitor
		return nil
	}
}

// WithServerMonitor registers SDAM callbacks.
func WithServerMonitor(monitor *event.ServerMonitor) Option {
	return func(cfg *Config) error {
		cfg.ServerMonitor = monitor
		return nil
	}
}

// WithLogSink sets the structured logging sink. When nil, an emit-backed sink
// is used.
func WithLogSink(sink logger.LogSink, componentLevels map[logger.Component]logger.Level) Option {
	return func(cfg *Config) error {
		cfg.LogSink = sink
		cfg.LogComponentLevels = componentLevels
		return nil
	}
}

var validCompressors = map[string]bool{"snappy": true, "zlib": true, "zstd": true}

func (cfg *Config) validate() error {
	if cfg.Hosts == "" {
		return errors.New("at least one host must be specified")
	}
	if cfg.LoadBalanced && len(cfg.hosts()) != 1 {
		return errors.New("loadBalanced requires exactly one host")
	}
	if cfg.DirectConnection && len(cfg.hosts()) != 1 {
		return errors.New("directConnection requires exactly one host")
	}
	for _, comp := range cfg.compressors() {
		if !validCompressors[comp] {
			return fmt.Errorf("invalid compressor: %q", comp)
		}
	}
	if _, err := readpref.ModeFromString(cfg.ReadPreference); err != nil {
		return err
	}
	if _, err := cfg.writeConcern(); err != nil {
		return err
	}
	if cfg.HeartbeatInterval < 500*time.Millisecond {
		return errors.New("heartbeat interval must be at least 500ms")
	}
	return nil
}

func (cfg *Config) hosts() []address.Address {
	var addrs []address.Address
	for _, host := range strings.Split(cfg.Hosts, ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		addrs = append(addrs, address.Address(host).Canonicalize())
	}
	return addrs
}

func (cfg *Config) compressors() []string {
	if cfg.Compressors == "" {
		return nil
	}
	var out []string
	for _, comp := range strings.Split(cfg.Compressors, ",") {
		comp = strings.TrimSpace(comp)
		if comp != "" {
			out = append(out, comp)
		}
	}
	return out
}

func (cfg *Config) readPref() *readpref.ReadPref {
	mode, err := readpref.ModeFromString(cfg.ReadPreference)
	if err != nil || mode == readpref.PrimaryMode {
		return readpref.Primary()
	}
	rp, err := readpref.New(mode)
	if err != nil {
		return readpref.Primary()
	}
	return rp
}

func (cfg *Config) writeConcern() (*writeconcern.WriteConcern, error) {
	switch cfg.WriteConcern {
	case "":
		return nil, nil
	case "majority":
		return writeconcern.Majority(), nil
	case "0":
		return writeconcern.Unacknowledged(), nil
	case "1":
		return writeconcern.W1(), nil
	default:
		return nil, fmt.Errorf("invalid write concern: %q", cfg.WriteConcern)
	}
}

// credential builds the authenticator for the configured credentials, or nil
// when no credentials are configured.
func (cfg *Config) credential() (auth.Authenticator, error) {
	if cfg.Username == "" && cfg.AuthMechanism == "" {
		return nil, nil
	}

	source := cfg.AuthSource
	// X.509 and GSSAPI authenticate against $external regardless of the
	// configured database.
	switch cfg.AuthMechanism {
	case auth.MongoDBX509, "GSSAPI", auth.PLAIN:
		source = "$external"
	}

	return auth.CreateAuthenticator(cfg.AuthMechanism, &auth.Cred{
		Source:      source,
		Username:    cfg.Username,
		Password:    cfg.Password,
		PasswordSet: cfg.Password != "",
	})
}

// tlsConfig builds a *tls.Config from the file-based TLS settings.
func (cfg *Config) tlsConfig() (*tls.Config, error) {
	if !cfg.TLSEnabled {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.TLSInsecure,
		MinVersion:         tls.VersionTLS12,
	}

	if cfg.TLSCAFile != "" {
		data, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.New("the specified CA file does not contain any valid certificates")
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.TLSCertificateKeyFile != "" {
		data, err := os.ReadFile(cfg.TLSCertificateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read client certificate file: %w", err)
		}
		cert, err := topology.LoadClientCertificate(data, cfg.TLSCertificateKeyPassword)
		if err != nil {
			return nil, err
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
