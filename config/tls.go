package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrInvalidTLS is returned when TLS material cannot be loaded
var ErrInvalidTLS = errors.New("config: invalid TLS material")

// TLSConfig builds the broker TLS configuration, or nil when TLS is off.
// MQTT_CA extends the system roots; MQTT_CERT and MQTT_KEY enable client
// certificate authentication.
func (s *Settings) TLSConfig() (*tls.Config, error) {
	if !s.MQTT.TLS {
		return nil, nil
	}
	return LoadClientTLS(s.MQTT.CA, s.MQTT.Cert, s.MQTT.Key)
}

// LoadClientTLS builds a client TLS configuration from PEM files. Empty paths
// are skipped.
func LoadClientTLS(caFile, certFile, keyFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		rootCAs, err := x509.SystemCertPool()
		if err != nil {
			rootCAs = x509.NewCertPool()
		}
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read CA file %s: %v", ErrInvalidTLS, caFile, err)
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("%w: no certificates in CA file %s", ErrInvalidTLS, caFile)
		}
		tlsConfig.RootCAs = rootCAs
	}

	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: load client certificate: %v", ErrInvalidTLS, err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
