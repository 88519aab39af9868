package pairing

import "encoding/xml"

// Envelope is the wire format every pairing (and, via the streaming
// package's own copy, every session-control) response is written in: a
// <root> element carrying status_code/status_message attributes plus
// whatever protocol-specific children apply to this phase.
type Envelope struct {
	XMLName           xml.Name `xml:"root"`
	StatusCode        int      `xml:"status_code,attr"`
	StatusMessage     string   `xml:"status_message,attr,omitempty"`
	Paired            *int     `xml:"paired,omitempty"`
	PlainCert         string   `xml:"plaincert,omitempty"`
	ChallengeResponse string   `xml:"challengeresponse,omitempty"`
	PairingSecret     string   `xml:"pairingsecret,omitempty"`
}

func intPtr(v int) *int { return &v }

// ok builds a 200 envelope with paired=1.
func ok() Envelope { return Envelope{StatusCode: 200, Paired: intPtr(1)} }

// failed builds a 200 envelope with paired=0, used for cryptographic
// failures which the protocol reports as a soft failure rather than an
// HTTP error.
func failed() Envelope { return Envelope{StatusCode: 200, Paired: intPtr(0)} }

// badRequest builds a 400 envelope with paired=0 and a status message.
func badRequest(msg string) Envelope {
	return Envelope{StatusCode: 400, StatusMessage: msg, Paired: intPtr(0)}
}

func marshalEnvelope(e Envelope) []byte {
	body, err := xml.Marshal(e)
	if err != nil {
		// Envelope is always a plain struct of strings/ints; this can only
		// happen if a future field addition breaks xml.Marshal invariants.
		panic("pairing: failed to marshal envelope: " + err.Error())
	}
	return append([]byte(xml.Header), body...)
}
