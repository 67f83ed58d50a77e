package config

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

// Address is a [host, port] pair as written in credential files.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// UnmarshalJSON accepts ["host", 1234]; the port may also be a string.
func (a *Address) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("server_address must be [host, port]: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("server_address must have 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &a.Host); err != nil {
		return fmt.Errorf("server_address host: %w", err)
	}
	port := bytes.Trim(pair[1], `"`)
	p, err := strconv.Atoi(string(port))
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("server_address port %s is invalid", pair[1])
	}
	a.Port = p
	return nil
}

func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.Host, a.Port})
}

// Credentials is the shared credential file. Servers use certfile and
// keyfile; clients use server_hostname, cafile and token.
type Credentials struct {
	ServerAddress  Address `json:"server_address"`
	ServerHostname string  `json:"server_hostname,omitempty"`
	CAFile         string  `json:"cafile,omitempty"`
	Token          string  `json:"token,omitempty"`
	CertFile       string  `json:"certfile,omitempty"`
	KeyFile        string  `json:"keyfile,omitempty"`
}

// LoadCredentials reads a credential file.
func LoadCredentials(path string) (Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return c, nil
}

// ServerTLS loads the server certificate chain.
func (c Credentials) ServerTLS() (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, errors.New("credentials need certfile and keyfile to serve")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLS trusts cafile, or the system roots when it is empty, and
// verifies the server as server_hostname.
func (c Credentials) ClientTLS() (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: c.ServerHostname,
		MinVersion: tls.VersionTLS12,
	}
	if c.CAFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", c.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
