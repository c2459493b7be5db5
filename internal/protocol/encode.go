package protocol

import "strconv"

// Frames renders req as the multipart message the peer expects.
func (r Request) Frames() [][]byte {
	frames := [][]byte{[]byte(r.Tag)}
	switch {
	case r.Tag == TagRegister && r.Register != nil:
		frames = append(frames, []byte(r.Register.Address), []byte(r.Register.PublicKey))
	case r.Tag == TagLaunch && r.Launch != nil:
		frames = append(frames,
			[]byte(r.Launch.Signature),
			[]byte(r.Launch.Host),
			[]byte(strconv.Itoa(len(r.Launch.Tokens))),
		)
		for _, tok := range r.Launch.Tokens {
			frames = append(frames, []byte(tok))
		}
	}
	return frames
}

func NewHello() Request    { return Request{Tag: TagHello} }
func NewShutdown() Request { return Request{Tag: TagShutdown} }
func NewKill() Request     { return Request{Tag: TagKill} }

func NewRegister(address, publicKey string) Request {
	return Request{Tag: TagRegister, Register: &RegisterRequest{Address: address, PublicKey: publicKey}}
}

func NewLaunch(signature, host string, tokens []string) Request {
	return Request{Tag: TagLaunch, Launch: &LaunchRequest{Signature: signature, Host: host, Tokens: tokens}}
}

// Terminate returns KILL when force is set, SHUTDOWN otherwise.
func Terminate(force bool) Request {
	if force {
		return NewKill()
	}
	return NewShutdown()
}

// Expected is the success reply for a request tag.
func Expected(tag Tag) string {
	switch tag {
	case TagHello:
		return ReplyWorld
	case TagRegister:
		return ReplyRegisterOK
	case TagLaunch:
		return ReplyLaunchOK
	case TagShutdown:
		return ReplyShutdownOK
	case TagKill:
		return ReplyKillOK
	}
	return ""
}
