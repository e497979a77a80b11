package broker

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"github.com/ajsinha/dgfacade/pkg/config"
)

// BuildTLSConfig constructs a TLS config from a broker/channel ssl block.
// Returns (nil, nil) when SSL is disabled. PEM material is the primary
// path; PKCS#12 keystores are converted in-process. JKS keystores are not
// parseable without a Java toolchain — callers get a conversion hint.
func BuildTLSConfig(ssl *config.SSLConfig) (*tls.Config, error) {
	if ssl == nil || !ssl.Enabled {
		return nil, nil
	}

	tlsCfg := &tls.Config{
		MinVersion:         minVersion(ssl.Protocol),
		InsecureSkipVerify: ssl.InsecureSkipVerify,
	}

	switch ssl.Format {
	case config.SSLFormatKeystore:
		if err := loadKeystoreMaterial(ssl, tlsCfg); err != nil {
			return nil, err
		}
	default: // PEM is the default format
		if err := loadPEMMaterial(ssl, tlsCfg); err != nil {
			return nil, err
		}
	}

	return tlsCfg, nil
}

// minVersion maps a configured protocol name; TLSv1.3 is the default.
func minVersion(protocol string) uint16 {
	switch strings.ToUpper(strings.TrimSpace(protocol)) {
	case "TLSV1.2", "TLS1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS13
	}
}

func loadPEMMaterial(ssl *config.SSLConfig, tlsCfg *tls.Config) error {
	if ssl.CACert != "" {
		caData, err := os.ReadFile(ssl.CACert)
		if err != nil {
			return fmt.Errorf("reading ca_cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return fmt.Errorf("ca_cert %s contains no certificates", ssl.CACert)
		}
		tlsCfg.RootCAs = pool
	}

	if ssl.ClientCert == "" || ssl.ClientKey == "" {
		return nil
	}

	certData, err := os.ReadFile(ssl.ClientCert)
	if err != nil {
		return fmt.Errorf("reading client_cert: %w", err)
	}
	keyData, err := os.ReadFile(ssl.ClientKey)
	if err != nil {
		return fmt.Errorf("reading client_key: %w", err)
	}

	cert, err := loadKeyPair(certData, keyData)
	if err != nil {
		return err
	}
	tlsCfg.Certificates = []tls.Certificate{cert}
	return nil
}

// loadKeyPair builds a certificate from PEM cert + key bytes. The private
// key may be PKCS#8, PKCS#1 RSA, or SEC1 EC.
func loadKeyPair(certPEM, keyPEM []byte) (tls.Certificate, error) {
	var cert tls.Certificate
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert.Certificate = append(cert.Certificate, block.Bytes)
		}
	}
	if len(cert.Certificate) == 0 {
		return cert, fmt.Errorf("client_cert contains no CERTIFICATE blocks")
	}

	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return cert, err
	}
	cert.PrivateKey = key
	return cert, nil
}

// ParsePrivateKeyPEM parses a PEM private key, accepting PKCS#8, PKCS#1
// RSA, and SEC1 EC encodings.
func ParsePrivateKeyPEM(keyPEM []byte) (any, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("client_key contains no PEM block")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("client_key is not PKCS#8, PKCS#1, or SEC1 encoded")
}

func loadKeystoreMaterial(ssl *config.SSLConfig, tlsCfg *tls.Config) error {
	if ssl.Keystore != "" {
		if isJKS(ssl.Keystore) {
			return fmt.Errorf("JKS keystore %s is not supported; convert to PKCS#12 (keytool -importkeystore -deststoretype pkcs12)", ssl.Keystore)
		}
		data, err := os.ReadFile(ssl.Keystore)
		if err != nil {
			return fmt.Errorf("reading keystore: %w", err)
		}
		blocks, err := pkcs12.ToPEM(data, ssl.KeystorePassword)
		if err != nil {
			return fmt.Errorf("decoding keystore: %w", err)
		}
		var certPEM, keyPEM []byte
		for _, b := range blocks {
			encoded := pem.EncodeToMemory(b)
			if b.Type == "CERTIFICATE" {
				certPEM = append(certPEM, encoded...)
			} else {
				keyPEM = append(keyPEM, encoded...)
			}
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return fmt.Errorf("building key pair from keystore: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if ssl.Truststore != "" {
		if isJKS(ssl.Truststore) {
			return fmt.Errorf("JKS truststore %s is not supported; convert to PKCS#12", ssl.Truststore)
		}
		data, err := os.ReadFile(ssl.Truststore)
		if err != nil {
			return fmt.Errorf("reading truststore: %w", err)
		}
		blocks, err := pkcs12.ToPEM(data, ssl.TruststorePassword)
		if err != nil {
			return fmt.Errorf("decoding truststore: %w", err)
		}
		pool := x509.NewCertPool()
		for _, b := range blocks {
			if b.Type != "CERTIFICATE" {
				continue
			}
			if c, err := x509.ParseCertificate(b.Bytes); err == nil {
				pool.AddCert(c)
			}
		}
		tlsCfg.RootCAs = pool
	}

	return nil
}

func isJKS(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".jks")
}

// sslFromConfig extracts the ssl block from a merged channel config. The
// resolution layer stores the typed struct; overrides arriving through raw
// JSON maps are decoded on the way out.
func sslFromConfig(cfg map[string]any) (*config.SSLConfig, bool) {
	raw, ok := cfg["ssl"]
	if !ok {
		return nil, false
	}

	switch v := raw.(type) {
	case *config.SSLConfig:
		return v, v != nil
	case config.SSLConfig:
		return &v, true
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var ssl config.SSLConfig
		if err := json.Unmarshal(data, &ssl); err != nil {
			return nil, false
		}
		return &ssl, true
	default:
		return nil, false
	}
}
