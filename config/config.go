// Package config holds the named broker connections a registry can open.
//
// Every connection carries the defaults documented on Connection; they are
// applied by ApplyDefaults, which Load calls after decoding.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpjobs/job"
)

// Defaults applied to unset connection fields.
const (
	DefaultVhost            = "/"
	DefaultLoginMethod      = LoginMethodAMQPlain
	DefaultLocale           = "en_US"
	DefaultConnectTimeout   = Duration(3 * time.Second)
	DefaultReadWriteTimeout = Duration(3 * time.Second)
	DefaultPort             = 5672
	DefaultTLSPort          = 5671

	defaultKeepAlivePeriod = 15 * time.Second
)

// Login methods accepted in login_method.
const (
	LoginMethodPlain    = "PLAIN"
	LoginMethodAMQPlain = "AMQPLAIN"
	LoginMethodExternal = "EXTERNAL"
)

// ErrInvalidConfiguration is wrapped by every validation failure.
var ErrInvalidConfiguration = errors.New("config: invalid configuration")

// Config is the registry of named connections.
type Config struct {
	// Enable gates registration of the configured jobs at startup.
	Enable      bool                   `yaml:"enable"`
	Connections map[string]*Connection `yaml:"connections"`
}

// Connection holds the parameters of one named broker connection.
type Connection struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Vhost    string `yaml:"vhost"`

	LoginMethod string `yaml:"login_method"`
	Locale      string `yaml:"locale"`

	ConnectTimeout   Duration `yaml:"connection_timeout"`
	ReadWriteTimeout Duration `yaml:"read_write_timeout"`
	KeepAlive        bool     `yaml:"keepalive"`
	// Heartbeat is negotiated with the broker. Zero takes the server's
	// interval; amqp091-go cannot turn heartbeats off.
	Heartbeat Duration `yaml:"heartbeat"`
	// ChannelRPCTimeout bounds synchronous channel calls; zero means no bound.
	ChannelRPCTimeout Duration `yaml:"channel_rpc_timeout"`

	TLS TLS `yaml:"tls"`

	// Job is the descriptor registered for this connection by Bootstrap.
	Job *job.Descriptor `yaml:"job"`
}

// TLS configures an encrypted connection.
type TLS struct {
	Enabled            bool   `yaml:"enabled"`
	Protocol           string `yaml:"ssl_protocol"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Lookup returns the connection configured under name.
func (c *Config) Lookup(name string) (*Connection, bool) {
	if c == nil || c.Connections == nil {
		return nil, false
	}
	conn, ok := c.Connections[name]
	if !ok || conn == nil {
		return nil, false
	}
	return conn, true
}

// Names returns the configured connection names in sorted order.
func (c *Config) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Connections))
	for name, conn := range c.Connections {
		if conn != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ApplyDefaults fills unset fields of every connection and stamps job
// descriptors with their connection name.
func (c *Config) ApplyDefaults() {
	for name, conn := range c.Connections {
		if conn == nil {
			continue
		}
		conn.ApplyDefaults()
		if conn.Job != nil && conn.Job.Connection == "" {
			conn.Job.Connection = name
		}
	}
}

// Validate checks every connection.
func (c *Config) Validate() error {
	for _, name := range c.Names() {
		if err := c.Connections[name].Validate(); err != nil {
			return errors.Wrapf(err, "connection %q", name)
		}
		if j := c.Connections[name].Job; j != nil {
			if j.Connection != name {
				return errors.Wrapf(ErrInvalidConfiguration, "connection %q: job names connection %q", name, j.Connection)
			}
			if err := j.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func (c *Connection) ApplyDefaults() {
	if c.Vhost == "" {
		c.Vhost = DefaultVhost
	}
	if c.LoginMethod == "" {
		c.LoginMethod = DefaultLoginMethod
	}
	if c.Locale == "" {
		c.Locale = DefaultLocale
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadWriteTimeout == 0 {
		c.ReadWriteTimeout = DefaultReadWriteTimeout
	}
	if c.Port == 0 {
		if c.TLS.Enabled {
			c.Port = DefaultTLSPort
		} else {
			c.Port = DefaultPort
		}
	}
}

// Validate checks the fields that cannot be defaulted.
func (c *Connection) Validate() error {
	if c.Host == "" {
		return errors.Wrap(ErrInvalidConfiguration, "host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Wrapf(ErrInvalidConfiguration, "port %d out of range", c.Port)
	}
	switch strings.ToUpper(c.LoginMethod) {
	case "", LoginMethodPlain, LoginMethodAMQPlain, LoginMethodExternal:
	default:
		return errors.Wrapf(ErrInvalidConfiguration, "unsupported login method %q", c.LoginMethod)
	}
	if c.Heartbeat < 0 || c.ConnectTimeout < 0 || c.ReadWriteTimeout < 0 || c.ChannelRPCTimeout < 0 {
		return errors.Wrap(ErrInvalidConfiguration, "timeouts must not be negative")
	}
	return nil
}

// URI returns the broker URI of the connection.
func (c *Connection) URI() amqp.URI {
	scheme := "amqp"
	if c.TLS.Enabled {
		scheme = "amqps"
	}
	return amqp.URI{
		Scheme:   scheme,
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.Vhost,
	}
}

// Address returns host:port.
func (c *Connection) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// String returns the URI with the password hidden.
func (c *Connection) String() string {
	uri := c.URI()
	if uri.Password != "" {
		uri.Password = "***"
	}
	return uri.String()
}

// SASL returns the authentication mechanisms for the login method.
func (c *Connection) SASL() []amqp.Authentication {
	switch strings.ToUpper(c.LoginMethod) {
	case LoginMethodPlain:
		return []amqp.Authentication{&amqp.PlainAuth{Username: c.User, Password: c.Password}}
	case LoginMethodExternal:
		return []amqp.Authentication{&amqp.ExternalAuth{}}
	default:
		return []amqp.Authentication{&amqp.AMQPlainAuth{Username: c.User, Password: c.Password}}
	}
}

// AMQPConfig converts the connection into the broker library configuration.
// The dial function is supplied by the caller.
func (c *Connection) AMQPConfig() (amqp.Config, error) {
	cfg := amqp.Config{
		SASL:      c.SASL(),
		Vhost:     c.Vhost,
		Heartbeat: c.Heartbeat.Std(),
		Locale:    c.Locale,
		Properties: amqp.Table{
			"product": "amqpjobs",
		},
	}
	if c.TLS.Enabled {
		tlsCfg, err := c.TLS.Config(c.Host)
		if err != nil {
			return amqp.Config{}, err
		}
		cfg.TLSClientConfig = tlsCfg
	}
	return cfg, nil
}

// KeepAlivePeriod returns the TCP keepalive period for net.Dialer; negative
// disables keepalive.
func (c *Connection) KeepAlivePeriod() time.Duration {
	if c.KeepAlive {
		return defaultKeepAlivePeriod
	}
	return -1
}

// Config builds the client TLS configuration.
func (t TLS) Config(host string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // opt-in via config
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}

	if t.Protocol != "" {
		version, err := tlsVersion(t.Protocol)
		if err != nil {
			return nil, err
		}
		cfg.MinVersion = version
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, errors.Wrapf(err, "read ca file %s", t.CAFile)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Wrapf(ErrInvalidConfiguration, "no certificates in %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}

	if t.CertFile != "" || t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func tlsVersion(protocol string) (uint16, error) {
	switch strings.ToLower(strings.ReplaceAll(protocol, " ", "")) {
	case "tlsv1", "tlsv1.0", "tls1.0":
		return tls.VersionTLS10, nil
	case "tlsv1.1", "tls1.1":
		return tls.VersionTLS11, nil
	case "tlsv1.2", "tls1.2", "tls":
		return tls.VersionTLS12, nil
	case "tlsv1.3", "tls1.3":
		return tls.VersionTLS13, nil
	}
	return 0, errors.Wrapf(ErrInvalidConfiguration, "unsupported ssl protocol %q", protocol)
}
