package api

import "time"

// ServerConfig represents the API section of the serve command.
type ServerConfig struct {
	Addr              string        `help:"API server listen address" default:":3242" env:"EHCID_API_ADDR"`
	Password          string        `help:"API password; generated and stored in the config directory when empty" env:"EHCID_API_PASSWORD"`
	NoAuth            bool          `help:"Serve the API without the authentication handshake" default:"false" env:"EHCID_API_NO_AUTH"`
	RequestTimeout    time.Duration `help:"Upper bound for a single transfer issued through the API" default:"5s" env:"EHCID_API_REQUEST_TIMEOUT"`
	ConnectionTimeout time.Duration `kong:"-"`
}
