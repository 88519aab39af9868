package pairing

import "time"

// clientInfo is the subset of the incoming pairing request that identifies
// the peer for the duration of the handshake.
type clientInfo struct {
	UniqueID string
	CertPEM  string // hex-decoded, PEM-encoded X.509 certificate as transmitted
	Name     string
}

// pendingResponse is the one-shot rendezvous used by the async
// getservercert path: the handler goroutine that received the original
// request blocks on done, and SubmitPIN (running on a different goroutine,
// invoked from the pin-entry channel) fills in the payload and closes done
// to release it. net/http response writers cannot be handed off across
// goroutines once the handler has returned, so unlike a native-code
// implementation that would literally park the response object, this
// implementation parks the handler goroutine itself -- functionally
// equivalent, and the only faithful way to do it against Go's HTTP server
// model.
type pendingResponse struct {
	done    chan struct{}
	envelope Envelope
}

func newPendingResponse() *pendingResponse {
	return &pendingResponse{done: make(chan struct{})}
}

func (p *pendingResponse) fulfill(e Envelope) {
	p.envelope = e
	close(p.done)
}

// pending holds the salt and, when the getservercert step is waiting on an
// out-of-band PIN, the suspended response.
type pending struct {
	salt     string
	response *pendingResponse
}

// session is the ephemeral per-uniqueid state held during the four-phase
// handshake.
type session struct {
	client clientInfo

	cipherKey       *[16]byte
	clientHash      []byte
	serverSecret    []byte
	serverChallenge []byte

	pending pending

	createdAt time.Time
}

func newSession(client clientInfo, salt string) *session {
	return &session{
		client:    client,
		pending:   pending{salt: salt},
		createdAt: time.Now(),
	}
}
