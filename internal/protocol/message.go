package protocol

import (
	"strconv"
	"strings"
)

// Tag is the literal first frame of a request.
type Tag string

const (
	TagHello    Tag = "HELLO"
	TagRegister Tag = "REGISTER"
	TagLaunch   Tag = "LAUNCH"
	TagShutdown Tag = "SHUTDOWN"
	TagKill     Tag = "KILL"
)

// Single-frame replies.
const (
	ReplyWorld          = "WORLD"
	ReplyRegisterOK     = "REGISTER OK"
	ReplyRegisterIgnore = "REGISTER IGNORE"
	ReplyRegisterFail   = "REGISTER FAIL"
	ReplyLaunchOK       = "LAUNCH EPIC OK"
	ReplyLaunchFail     = "LAUNCH EPIC FAIL"
	ReplyShutdownOK     = "SHUTDOWN EPIC OK"
	ReplyKillOK         = "KILL EPIC OK"
	// ReplyError answers unknown tags and malformed frame sets so the
	// requester's REQ socket is never left waiting.
	ReplyError = "ERROR"
)

// Known reports whether t is one of the five request kinds.
func (t Tag) Known() bool {
	switch t {
	case TagHello, TagRegister, TagLaunch, TagShutdown, TagKill:
		return true
	}
	return false
}

// Request is one decoded request. Register or Launch is set for those tags.
type Request struct {
	Tag      Tag
	Register *RegisterRequest
	Launch   *LaunchRequest
}

// RegisterRequest carries the sender's claimed address and base64 DER public key.
type RegisterRequest struct {
	Address   string
	PublicKey string
}

// LaunchRequest is a signed command for Host.
type LaunchRequest struct {
	Signature string
	Host      string
	Tokens    []string
}

// Payload is the canonical signed string for the request.
func (l LaunchRequest) Payload() []byte {
	return CanonicalPayload(l.Host, l.Tokens)
}

// CanonicalPayload renders host, the token count and each token joined by
// newlines: "host\ncount\ntoken0\n...". Signers and verifiers must both use it.
func CanonicalPayload(host string, tokens []string) []byte {
	var b strings.Builder
	b.WriteString(host)
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(len(tokens)))
	for _, tok := range tokens {
		b.WriteByte('\n')
		b.WriteString(tok)
	}
	return []byte(b.String())
}
