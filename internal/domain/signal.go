package domain

import "encoding/json"

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalIceCandidate SignalKind = "ice-candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalIceCandidate:
		return true
	}
	return false
}

// SignalMessage is relayed over the shared room topic; only the addressee acts on it.
// Payload carries an SDP description for offers/answers and an ICE candidate otherwise.
type SignalMessage struct {
	Kind    SignalKind      `json:"kind"`
	From    UserID          `json:"from"`
	To      UserID          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}
