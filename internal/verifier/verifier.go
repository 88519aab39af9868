// Package verifier wires mutual TLS authorization for the HTTPS
// session-control listener. The TLS handshake itself always accepts any
// client certificate -- GameStream clients present self-signed certs with
// no CA to validate against, so real authorization happens one layer up,
// once a request actually arrives, by checking whether the presented leaf
// certificate matches one this host paired with previously.
package verifier

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"encoding/xml"
	"net/http"

	"github.com/pairhost/hostd/internal/clientstore"
)

// unauthorizedXML is the 401 body returned to a client whose certificate is
// well-formed but doesn't match any paired client -- spec requires this be
// an XML document carrying the original query path rather than a dropped
// connection, so a Moonlight client can tell "unauthorized" apart from a
// network failure and fall back to re-pairing.
type unauthorizedXML struct {
	XMLName       xml.Name `xml:"root"`
	StatusCode    int      `xml:"status_code,attr"`
	StatusMessage string   `xml:"status_message,attr,omitempty"`
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	body, err := xml.Marshal(unauthorizedXML{
		StatusCode:    http.StatusUnauthorized,
		StatusMessage: r.URL.RequestURI(),
	})
	if err != nil {
		panic("verifier: failed to marshal unauthorized envelope: " + err.Error())
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write(append([]byte(xml.Header), body...))
}

// Verifier authorizes HTTPS requests against a client store of previously
// paired certificates.
type Verifier struct {
	store *clientstore.Store
}

// New returns a Verifier backed by store.
func New(store *clientstore.Store) *Verifier {
	return &Verifier{store: store}
}

// TLSConfig builds the tls.Config for the HTTPS listener: mutual TLS is
// required, but certificate chain validation is deferred entirely to the
// application layer via Middleware.
func (v *Verifier) TLSConfig(serverCert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return nil
		},
	}
}

type clientContextKey struct{}

// WithClient attaches nc to ctx, for use by tests that need to exercise
// handlers without a full TLS handshake.
func WithClient(ctx context.Context, nc clientstore.NamedCertificate) context.Context {
	return context.WithValue(ctx, clientContextKey{}, nc)
}

// ClientFromContext returns the authorized client attached to ctx by
// Middleware, if any.
func ClientFromContext(ctx context.Context) (clientstore.NamedCertificate, bool) {
	nc, ok := ctx.Value(clientContextKey{}).(clientstore.NamedCertificate)
	return nc, ok
}

// Middleware rejects any HTTPS request whose client certificate doesn't
// match a previously paired client, and attaches the matched
// NamedCertificate to the request context otherwise.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			writeUnauthorized(w, r)
			return
		}
		leaf := r.TLS.PeerCertificates[0]
		leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})

		nc, ok := v.store.FindByCert(string(leafPEM))
		if !ok {
			writeUnauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), nc)))
	})
}
