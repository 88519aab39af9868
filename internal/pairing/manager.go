// Package pairing implements the four-phase GameStream pairing state
// machine: getservercert, clientchallenge, serverchallengeresp and
// clientpairingsecret, plus the pairchallenge probe and the out-of-band PIN
// entry channel (OTP registration and asynchronous PIN completion).
package pairing

import (
	"bufio"
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pairhost/hostd/internal/clientstore"
	"github.com/pairhost/hostd/internal/concurrency"
	"github.com/pairhost/hostd/internal/hostcrypto"
	"github.com/pairhost/hostd/internal/obslog"
)

// Config holds the pairing-relevant slice of the host's runtime
// configuration.
type Config struct {
	EnablePairing     bool
	PINStdin          bool
	FreshState        bool
	OTPExpireDuration time.Duration
	SessionTTL        time.Duration
}

// Manager owns the pairing session map, the single OTP slot, and the
// server's own signing credentials, and dispatches every /pair request.
// All mutable state is protected by a single coarse mutex: pairing is rare
// and every step of the protocol depends on the previous one, so
// fine-grained locking buys nothing but risk.
type Manager struct {
	mu concurrency.DebugMutex

	cfg   Config
	store *clientstore.Store

	serverCert    *x509.Certificate
	serverCertPEM []byte
	serverKey     *rsa.PrivateKey

	sessions map[string]*session
	order    []string // uniqueids in insertion order; order[0] is "the first session"
	otp      *otpState

	logger      *obslog.Logger
	events      *obslog.RecentEvents
	stdinReader *bufio.Reader
}

// NewManager constructs a Manager. serverCert/serverCertPEM/serverKey are
// the host's own long-term identity, loaded once at startup.
func NewManager(cfg Config, store *clientstore.Store, serverCert *x509.Certificate, serverCertPEM []byte, serverKey *rsa.PrivateKey, logger *obslog.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		store:         store,
		serverCert:    serverCert,
		serverCertPEM: serverCertPEM,
		serverKey:     serverKey,
		sessions:      make(map[string]*session),
		logger:        logger,
		events:        obslog.NewRecentEvents(obslog.RecentEventsOptions{MaxCount: 200}),
		stdinReader:   bufio.NewReader(os.Stdin),
	}
}

// Events exposes the manager's recent-activity ring for diagnostics.
func (m *Manager) Events() *obslog.RecentEvents { return m.events }

func validPIN(pin string) bool {
	if len(pin) != 4 {
		return false
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func writeEnvelope(w http.ResponseWriter, e Envelope) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(e.StatusCode)
	w.Write(marshalEnvelope(e))
}

// ServeHTTP dispatches a /pair request to the appropriate phase handler
// based on which query parameters are present, per the protocol's dispatch
// table. It blocks for the duration of the async getservercert PIN-entry
// path, if that path is taken.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !m.cfg.EnablePairing {
		writeEnvelope(w, Envelope{StatusCode: 403, StatusMessage: "Pairing is disabled"})
		return
	}

	q := r.URL.Query()
	uniqueID := q.Get("uniqueid")
	if uniqueID == "" {
		writeEnvelope(w, badRequest("Missing uniqueid"))
		return
	}

	switch {
	case q.Get("phrase") == "getservercert":
		writeEnvelope(w, m.handleGetServerCert(uniqueID, q))
	case q.Get("phrase") == "pairchallenge":
		writeEnvelope(w, ok())
	case q.Get("clientchallenge") != "":
		writeEnvelope(w, m.handleClientChallenge(uniqueID, q))
	case q.Get("serverchallengeresp") != "":
		writeEnvelope(w, m.handleServerChallengeResponse(uniqueID, q))
	case q.Get("clientpairingsecret") != "":
		writeEnvelope(w, m.handleClientPairingSecret(uniqueID, q))
	default:
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		w.Write(marshalEnvelope(Envelope{StatusCode: 404, StatusMessage: "Invalid pairing request"}))
	}
}

func (m *Manager) addSessionLocked(uniqueID string, s *session) {
	if _, exists := m.sessions[uniqueID]; !exists {
		m.order = append(m.order, uniqueID)
	}
	m.sessions[uniqueID] = s
}

func (m *Manager) removeSession(uniqueID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[uniqueID]; !ok {
		return
	}
	delete(m.sessions, uniqueID)
	for i, id := range m.order {
		if id == uniqueID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) lookupSession(uniqueID string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[uniqueID]
	return s, ok
}

// handleGetServerCert implements phase 1. It may block for a long time (the
// stdin and async sub-paths both suspend the calling goroutine until a PIN
// arrives).
func (m *Manager) handleGetServerCert(uniqueID string, q url.Values) Envelope {
	deviceName := q.Get("devicename")
	clientCertHex := q.Get("clientcert")
	saltHex := q.Get("salt")

	if deviceName == "" || clientCertHex == "" || saltHex == "" {
		return badRequest("Missing required parameter")
	}
	if len(saltHex) < 32 {
		return badRequest("Salt too short")
	}
	certPEM, err := hex.DecodeString(clientCertHex)
	if err != nil {
		return badRequest("Malformed clientcert")
	}

	if deviceName == "roth" {
		deviceName = "Legacy Moonlight Client"
	}

	sess := newSession(clientInfo{UniqueID: uniqueID, CertPEM: string(certPEM), Name: deviceName}, saltHex)

	m.mu.Lock()
	m.addSessionLocked(uniqueID, sess)
	m.mu.Unlock()
	m.events.Record("getservercert uniqueid=%s device=%q", uniqueID, deviceName)

	otpauth := q.Get("otpauth")
	switch {
	case otpauth != "":
		return m.handleOTPPath(sess, otpauth)
	case m.cfg.PINStdin:
		return m.handleStdinPath(sess)
	default:
		return m.handleAsyncPath(sess)
	}
}

func (m *Manager) handleOTPPath(sess *session, otpauth string) Envelope {
	m.mu.Lock()
	otp := m.otp
	if otp == nil || otp.expired(m.cfg.OTPExpireDuration, time.Now()) {
		m.otp = nil
		m.mu.Unlock()
		return Envelope{StatusCode: 503, StatusMessage: "OTP auth not available."}
	}

	expected := strings.ToUpper(hex.EncodeToString(hostcrypto.SHA256([]byte(otp.pin), []byte(sess.pending.salt), []byte(otp.passphrase))))
	match := strings.EqualFold(expected, otpauth)

	var pin []byte
	if match {
		pin = []byte(otp.pin)
		if otp.deviceName != "" {
			sess.client.Name = otp.deviceName
		}
		m.otp = nil
	}
	m.mu.Unlock()

	if !match {
		// A bogus, cryptographically random "pin" guarantees the
		// subsequent challenge decrypts to garbage and the client fails
		// silently in phase 4, with no timing signal that OTP auth was
		// even attempted.
		randomPin, err := hostcrypto.RandomBytes(16)
		if err != nil {
			return Envelope{StatusCode: 500, StatusMessage: "internal error"}
		}
		pin = randomPin
	}
	return m.deriveAndRespond(sess, pin)
}

func (m *Manager) handleStdinPath(sess *session) Envelope {
	fmt.Printf("Enter PIN for pairing session %s (device %q): ", sess.client.UniqueID, sess.client.Name)
	line, err := m.stdinReader.ReadString('\n')
	if err != nil {
		return Envelope{StatusCode: 500, StatusMessage: "failed to read PIN from stdin"}
	}
	return m.deriveAndRespond(sess, []byte(strings.TrimSpace(line)))
}

func (m *Manager) handleAsyncPath(sess *session) Envelope {
	pr := newPendingResponse()
	m.mu.Lock()
	sess.pending.response = pr
	m.mu.Unlock()
	<-pr.done
	return pr.envelope
}

// deriveAndRespond performs the shared key-derivation step: it computes the
// session's AES key from (salt, pin) and returns the getservercert success
// envelope.
func (m *Manager) deriveAndRespond(sess *session, pin []byte) Envelope {
	saltBytes, err := hex.DecodeString(sess.pending.salt[:32])
	if err != nil {
		return badRequest("Malformed salt")
	}
	key := hostcrypto.DeriveKey(saltBytes, pin)

	m.mu.Lock()
	sess.cipherKey = &key
	m.mu.Unlock()

	return Envelope{StatusCode: 200, Paired: intPtr(1), PlainCert: hex.EncodeToString(m.serverCertPEM)}
}

// RequestOTP registers a one-time pairing token for a trusted out-of-band
// caller (e.g. a web UI) to hand to the pairing client. Returns the empty
// string if passphrase is shorter than 4 characters.
func (m *Manager) RequestOTP(passphrase, deviceName string) string {
	if len(passphrase) < 4 {
		return ""
	}
	pin, err := hostcrypto.RandomDecimalDigits(4)
	if err != nil {
		return ""
	}
	m.mu.Lock()
	m.otp = &otpState{pin: pin, passphrase: passphrase, deviceName: deviceName, createdAt: time.Now()}
	m.mu.Unlock()
	return pin
}

// SubmitPIN completes the first in-flight session's async getservercert
// step with the given PIN. name, if non-empty, replaces the session's
// client name. Returns whether a suspended response was actually written --
// false if the map was empty, the PIN was malformed, or the first session
// was not awaiting an async response (e.g. it took the stdin or OTP path).
func (m *Manager) SubmitPIN(pin, name string) bool {
	if !validPIN(pin) {
		return false
	}

	m.mu.Lock()
	if len(m.order) == 0 {
		m.mu.Unlock()
		return false
	}
	sess := m.sessions[m.order[0]]
	m.mu.Unlock()

	if name != "" {
		m.mu.Lock()
		sess.client.Name = name
		m.mu.Unlock()
	}

	env := m.deriveAndRespond(sess, []byte(pin))

	m.mu.Lock()
	pr := sess.pending.response
	sess.pending.response = nil
	m.mu.Unlock()

	if pr == nil {
		return false
	}
	pr.fulfill(env)
	return true
}

func (m *Manager) handleClientChallenge(uniqueID string, q url.Values) Envelope {
	sess, ok := m.lookupSession(uniqueID)
	if !ok || sess.cipherKey == nil {
		return badRequest("No pairing session in progress for this uniqueid")
	}

	raw, err := hex.DecodeString(q.Get("clientchallenge"))
	if err != nil {
		return badRequest("Malformed clientchallenge")
	}
	dec, err := hostcrypto.DecryptECB(*sess.cipherKey, raw)
	if err != nil {
		return badRequest("Malformed clientchallenge")
	}

	sig := hostcrypto.CertSignatureField(m.serverCert)
	serverSecret, err := hostcrypto.RandomBytes(16)
	if err != nil {
		return Envelope{StatusCode: 500, StatusMessage: "internal error"}
	}
	hash := hostcrypto.SHA256(dec, sig, serverSecret)

	serverChallenge, err := hostcrypto.RandomBytes(16)
	if err != nil {
		return Envelope{StatusCode: 500, StatusMessage: "internal error"}
	}

	plain := append(append([]byte{}, hash...), serverChallenge...)
	enc, err := hostcrypto.EncryptECB(*sess.cipherKey, plain)
	if err != nil {
		return Envelope{StatusCode: 500, StatusMessage: "internal error"}
	}

	m.mu.Lock()
	sess.serverSecret = serverSecret
	sess.serverChallenge = serverChallenge
	m.mu.Unlock()

	return Envelope{StatusCode: 200, Paired: intPtr(1), ChallengeResponse: hex.EncodeToString(enc)}
}

func (m *Manager) handleServerChallengeResponse(uniqueID string, q url.Values) Envelope {
	sess, ok := m.lookupSession(uniqueID)
	if !ok || sess.cipherKey == nil {
		return badRequest("No pairing session in progress for this uniqueid")
	}

	raw, err := hex.DecodeString(q.Get("serverchallengeresp"))
	if err != nil {
		return badRequest("Malformed serverchallengeresp")
	}
	dec, err := hostcrypto.DecryptECB(*sess.cipherKey, raw)
	if err != nil {
		return badRequest("Malformed serverchallengeresp")
	}

	m.mu.Lock()
	sess.clientHash = dec
	m.mu.Unlock()

	sign, err := hostcrypto.SignRSASHA256(m.serverKey, sess.serverSecret)
	if err != nil {
		return Envelope{StatusCode: 500, StatusMessage: "internal error"}
	}
	payload := append(append([]byte{}, sess.serverSecret...), sign...)

	return Envelope{StatusCode: 200, Paired: intPtr(1), PairingSecret: hex.EncodeToString(payload)}
}

func (m *Manager) handleClientPairingSecret(uniqueID string, q url.Values) Envelope {
	sess, found := m.lookupSession(uniqueID)
	if !found {
		return badRequest("No pairing session in progress for this uniqueid")
	}

	raw, err := hex.DecodeString(q.Get("clientpairingsecret"))
	if err != nil || len(raw) <= 16 {
		m.removeSession(uniqueID)
		return badRequest("Clientpairingsecret too short")
	}
	secret := raw[:16]
	sign := raw[16:]

	cx, err := hostcrypto.ParseCertificatePEM([]byte(sess.client.CertPEM))
	if err != nil {
		m.removeSession(uniqueID)
		return failed()
	}
	rsaPub, isRSA := cx.PublicKey.(*rsa.PublicKey)
	if !isRSA {
		m.removeSession(uniqueID)
		return failed()
	}

	cxSig := hostcrypto.CertSignatureField(cx)
	expectedHash := hostcrypto.SHA256(sess.serverChallenge, cxSig, secret)

	hashOK := bytes.Equal(expectedHash, sess.clientHash)
	sigErr := hostcrypto.VerifyRSASHA256(rsaPub, secret, sign)

	if !hashOK || sigErr != nil {
		m.events.Record("clientpairingsecret failed uniqueid=%s", uniqueID)
		m.removeSession(uniqueID)
		return failed()
	}

	newUUID, err := uuid.NewRandom()
	if err != nil {
		m.removeSession(uniqueID)
		return Envelope{StatusCode: 500, StatusMessage: "internal error"}
	}
	nc := clientstore.NamedCertificate{
		UUID: newUUID.String(),
		Name: clientstore.SanitizeDeviceName(sess.client.Name),
		Cert: sess.client.CertPEM,
	}
	if _, err := m.store.AddAuthorizedClient(nc, m.cfg.FreshState); err != nil {
		m.logger.Errorf("pairing: failed to persist authorized client: %v", err)
	}
	m.events.Record("pairing succeeded uniqueid=%s device=%q", uniqueID, sess.client.Name)
	m.removeSession(uniqueID)
	return ok()
}

// SweepExpired evicts pairing sessions that have been in flight for longer
// than the configured TTL. It is a no-op when SessionTTL is zero.
// Recommended by spec.md's Open Question (a): with no client-driven cleanup
// beyond a fresh getservercert for the same uniqueid, an abandoned session
// would otherwise never be reclaimed.
func (m *Manager) SweepExpired(now time.Time) {
	if m.cfg.SessionTTL <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0:0]
	for _, id := range m.order {
		if now.Sub(m.sessions[id].createdAt) > m.cfg.SessionTTL {
			delete(m.sessions, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}
