package verifier

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"encoding/xml"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pairhost/hostd/internal/clientstore"
	"github.com/pairhost/hostd/internal/testutil"
)

func genLeaf(t *testing.T) (*x509.Certificate, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "client"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestMiddlewareRejectsUnpairedClient(t *testing.T) {
	dir := testutil.TempDir(t.Name())
	store, err := clientstore.Load(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	v := New(store)

	cert, _ := genLeaf(t)
	handlerCalled := false
	mw := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
	}))

	req := httptest.NewRequest("GET", "/serverinfo?uniqueid=abc", nil)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if handlerCalled {
		t.Fatalf("expected handler not to be called for unpaired client")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var resp unauthorizedXML
	if err := xml.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal 401 body: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status_code=401 in body, got %d", resp.StatusCode)
	}
	if resp.StatusMessage != "/serverinfo?uniqueid=abc" {
		t.Fatalf("expected status_message to carry the original query path, got %q", resp.StatusMessage)
	}
}

func TestMiddlewareAcceptsPairedClient(t *testing.T) {
	dir := testutil.TempDir(t.Name())
	store, err := clientstore.Load(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}

	cert, certPEM := genLeaf(t)
	if _, err := store.AddAuthorizedClient(clientstore.NamedCertificate{UUID: "u1", Name: "PC", Cert: string(certPEM)}, true); err != nil {
		t.Fatal(err)
	}

	v := New(store)
	var gotClient clientstore.NamedCertificate
	mw := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClient, _ = ClientFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/serverinfo", nil)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotClient.UUID != "u1" {
		t.Fatalf("expected matched client u1, got %+v", gotClient)
	}
}

func TestMiddlewareRequiresTLS(t *testing.T) {
	dir := testutil.TempDir(t.Name())
	store, err := clientstore.Load(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	v := New(store)
	mw := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not run without TLS state")
	}))

	req := httptest.NewRequest("GET", "/serverinfo", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
