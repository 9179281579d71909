// Package tlstest issues throwaway certificates for transport tests.
package tlstest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Material is the file set one side of a session needs for mTLS.
type Material struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

type issuer struct {
	dir    string
	cert   *x509.Certificate
	key    crypto.Signer
	serial int64
}

// LoopbackPair writes a fresh CA plus an acceptor certificate valid for
// localhost/127.0.0.1 and an initiator client certificate under dir.
func LoopbackPair(t testing.TB, dir string) (acceptor Material, initiator Material) {
	t.Helper()
	ca := newIssuer(t, dir)
	caFile := filepath.Join(dir, "ca.crt")

	acceptor = ca.issue(t, "acceptor", &x509.Certificate{
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
	})
	initiator = ca.issue(t, "initiator", &x509.Certificate{
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	acceptor.CAFile = caFile
	initiator.CAFile = caFile
	return acceptor, initiator
}

func newIssuer(t testing.TB, dir string) *issuer {
	t.Helper()
	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "slowbreak-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}
	writePEM(t, filepath.Join(dir, "ca.crt"), "CERTIFICATE", der, 0o644)
	return &issuer{dir: dir, cert: cert, key: key, serial: 1}
}

// issue fills validity and key usage on tmpl, signs it and writes the
// pair as <name>.crt and <name>.key.
func (is *issuer) issue(t testing.TB, name string, tmpl *x509.Certificate) Material {
	t.Helper()
	is.serial++
	key := newKey(t)
	tmpl.SerialNumber = big.NewInt(is.serial)
	tmpl.Subject = pkix.Name{CommonName: name}
	tmpl.NotBefore = time.Now().Add(-time.Hour)
	tmpl.NotAfter = time.Now().Add(24 * time.Hour)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature

	der, err := x509.CreateCertificate(rand.Reader, tmpl, is.cert, key.Public(), is.key)
	if err != nil {
		t.Fatalf("sign %s cert: %v", name, err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal %s key: %v", name, err)
	}
	m := Material{
		CertFile: filepath.Join(is.dir, name+".crt"),
		KeyFile:  filepath.Join(is.dir, name+".key"),
	}
	writePEM(t, m.CertFile, "CERTIFICATE", der, 0o644)
	writePEM(t, m.KeyFile, "PRIVATE KEY", keyDER, 0o600)
	return m
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
