// message.go defines the client-side wire frames. gowebssh's message.go
// multiplexed every concern (login, password, publickey, stdin, stdout,
// resize...) into one messageType enum carried over a single struct;
// this relay's wire only recognizes two JSON shapes from the client (the
// handshake and the resize control frame) and forwards everything else
// untouched.
package relay

import "encoding/json"

// handshakeFrame is the mandatory first client frame.
type handshakeFrame struct {
	ServerID string    `json:"serverId"`
	Cols     int       `json:"cols"`
	Rows     int       `json:"rows"`
	Auth     authBlock `json:"auth"`
	Token    string    `json:"token,omitempty"`
}

// authBlock is the client auth sum type: Password | PrivateKey. Both
// fields may be populated; private-key is attempted first, with password
// as fallback.
type authBlock struct {
	Password   *string `json:"password,omitempty"`
	PrivateKey *string `json:"privateKey,omitempty"`
	Passphrase *string `json:"passphrase,omitempty"`
}

// resizeFrame is the optional control frame sent after Ready.
type resizeFrame struct {
	Type string `json:"type"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// parseHandshake parses raw as a handshakeFrame. It never mutates raw.
func parseHandshake(raw []byte) (handshakeFrame, error) {
	var hf handshakeFrame
	if err := json.Unmarshal(raw, &hf); err != nil {
		return handshakeFrame{}, err
	}
	return hf, nil
}

// tryParseResize attempts to interpret raw as a resize control frame. It
// returns ok=false for anything that isn't valid JSON, doesn't carry
// type=="resize", or carries non-positive dimensions (a malformed resize
// frame is ignored and treated as input data rather than rejected). The
// attempt is side-effect-free: raw is never consumed or
// altered, so callers can always fall back to forwarding it verbatim.
func tryParseResize(raw []byte) (resizeFrame, bool) {
	var rf resizeFrame
	if err := json.Unmarshal(raw, &rf); err != nil {
		return resizeFrame{}, false
	}
	if rf.Type != "resize" {
		return resizeFrame{}, false
	}
	if rf.Rows <= 0 || rf.Cols <= 0 {
		return resizeFrame{}, false
	}
	return rf, true
}
