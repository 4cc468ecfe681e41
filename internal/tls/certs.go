// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package tls generates and loads the certificates that protect the UI
// websocket channel when it listens beyond loopback.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io/fs"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// File names inside the certs directory.
const (
	CACertFile     = "root-ca.crt"
	CAKeyFile      = "root-ca.key"
	ServerCertFile = "ui.crt"
	ServerKeyFile  = "ui.key"
)

// RenewBefore is how close to expiry a server certificate is replaced.
const RenewBefore = 30 * 24 * time.Hour

// CA holds a certificate authority certificate and private key.
type CA struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// ServerCert holds a server certificate and private key.
type ServerCert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

func serialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, oops.In("tls").Wrapf(err, "generate serial")
	}
	return serial, nil
}

// GenerateCA creates a root CA for one host installation. The host id is
// embedded in the CN and as the URI SAN serverhub://host/{hostID}.
func GenerateCA(hostID string) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, oops.In("tls").Wrapf(err, "generate CA key")
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	hostURI, err := url.Parse("serverhub://host/" + hostID)
	if err != nil {
		return nil, oops.In("tls").With("host_id", hostID).Wrapf(err, "build host URI")
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"ServerHub"},
			CommonName:   "ServerHub CA " + hostID,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		URIs:                  []*url.URL{hostURI},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, oops.In("tls").Wrapf(err, "create CA certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, oops.In("tls").Wrapf(err, "parse CA certificate")
	}
	return &CA{Certificate: cert, PrivateKey: key}, nil
}

// GenerateServerCert creates a server certificate signed by ca. hosts may
// mix DNS names and IP addresses; localhost and 127.0.0.1 are always included.
func GenerateServerCert(ca *CA, hosts []string, validFor time.Duration) (*ServerCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, oops.In("tls").Wrapf(err, "generate server key")
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"ServerHub"},
			CommonName:   "serverhub-ui",
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(validFor),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if h == "" || h == "localhost" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			if !ip.IsLoopback() && !ip.IsUnspecified() {
				template.IPAddresses = append(template.IPAddresses, ip)
			}
			continue
		}
		template.DNSNames = append(template.DNSNames, h)
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Certificate, &key.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, oops.In("tls").Wrapf(err, "create server certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, oops.In("tls").Wrapf(err, "parse server certificate")
	}
	return &ServerCert{Certificate: cert, PrivateKey: key}, nil
}

// SaveCA writes the CA certificate and key into dir.
func SaveCA(dir string, ca *CA) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return oops.In("tls").With("dir", dir).Wrapf(err, "create certs directory")
	}
	if err := saveCert(filepath.Join(dir, CACertFile), ca.Certificate); err != nil {
		return err
	}
	return saveKey(filepath.Join(dir, CAKeyFile), ca.PrivateKey)
}

// SaveServerCert writes the server certificate and key into dir.
func SaveServerCert(dir string, cert *ServerCert) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return oops.In("tls").With("dir", dir).Wrapf(err, "create certs directory")
	}
	if err := saveCert(filepath.Join(dir, ServerCertFile), cert.Certificate); err != nil {
		return err
	}
	return saveKey(filepath.Join(dir, ServerKeyFile), cert.PrivateKey)
}

// LoadCA loads the CA from dir.
func LoadCA(dir string) (*CA, error) {
	cert, err := loadCert(filepath.Join(dir, CACertFile))
	if err != nil {
		return nil, err
	}
	key, err := loadKey(filepath.Join(dir, CAKeyFile))
	if err != nil {
		return nil, err
	}
	return &CA{Certificate: cert, PrivateKey: key}, nil
}

// LoadServerCert loads the server certificate and key from dir.
func LoadServerCert(dir string) (*ServerCert, error) {
	cert, err := loadCert(filepath.Join(dir, ServerCertFile))
	if err != nil {
		return nil, err
	}
	key, err := loadKey(filepath.Join(dir, ServerKeyFile))
	if err != nil {
		return nil, err
	}
	return &ServerCert{Certificate: cert, PrivateKey: key}, nil
}

// EnsureServerTLS returns a server TLS config backed by the certificates in
// dir, generating a CA and a one-year server certificate when they are
// missing. A server certificate that expires within RenewBefore or does not
// cover every host is reissued from the existing CA.
func EnsureServerTLS(dir string, hosts []string) (*cryptotls.Config, error) {
	ca, err := LoadCA(dir)
	if errors.Is(err, fs.ErrNotExist) {
		if ca, err = GenerateCA(ulid.Make().String()); err != nil {
			return nil, err
		}
		if err := SaveCA(dir, ca); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	server, err := LoadServerCert(dir)
	if err != nil || !usable(server, ca, hosts) {
		if server, err = GenerateServerCert(ca, hosts, 365*24*time.Hour); err != nil {
			return nil, err
		}
		if err := SaveServerCert(dir, server); err != nil {
			return nil, err
		}
	}

	return &cryptotls.Config{
		MinVersion: cryptotls.VersionTLS12,
		Certificates: []cryptotls.Certificate{{
			Certificate: [][]byte{server.Certificate.Raw, ca.Certificate.Raw},
			PrivateKey:  server.PrivateKey,
			Leaf:        server.Certificate,
		}},
	}, nil
}

// usable reports whether cert chains to ca, is not close to expiry and
// covers every host.
func usable(cert *ServerCert, ca *CA, hosts []string) bool {
	if time.Until(cert.Certificate.NotAfter) < RenewBefore {
		return false
	}
	if err := cert.Certificate.CheckSignatureFrom(ca.Certificate); err != nil {
		return false
	}
	for _, h := range hosts {
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil && ip.IsUnspecified() {
			continue
		}
		if err := cert.Certificate.VerifyHostname(h); err != nil {
			return false
		}
	}
	return true
}

func saveCert(path string, cert *x509.Certificate) error {
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(filepath.Clean(path), data, 0o600); err != nil {
		return oops.In("tls").With("path", path).Wrapf(err, "write certificate")
	}
	return nil
}

func saveKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return oops.In("tls").Wrapf(err, "marshal key")
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(filepath.Clean(path), data, 0o600); err != nil {
		return oops.In("tls").With("path", path).Wrapf(err, "write key")
	}
	return nil
}

func loadCert(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("tls").With("path", path).Wrapf(err, "read certificate")
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, oops.In("tls").With("path", path).Errorf("decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, oops.In("tls").With("path", path).Wrapf(err, "parse certificate")
	}
	return cert, nil
}

func loadKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.In("tls").With("path", path).Wrapf(err, "read key")
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, oops.In("tls").With("path", path).Errorf("decode key PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, oops.In("tls").With("path", path).Wrapf(err, "parse key")
	}
	return key, nil
}
