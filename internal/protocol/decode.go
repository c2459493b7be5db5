package protocol

import (
	"fmt"
	"strconv"
)

// MaxTokens bounds the declared LAUNCH token count.
const MaxTokens = 4096

// Decode parses one multipart request. On error the returned Request still
// carries the tag when the first frame was readable.
func Decode(frames [][]byte) (Request, error) {
	if len(frames) == 0 {
		return Request{}, ErrEmpty
	}
	req := Request{Tag: Tag(frames[0])}
	rest := frames[1:]

	switch req.Tag {
	case TagHello, TagShutdown, TagKill:
		if len(rest) != 0 {
			return req, fmt.Errorf("%w: %s takes no frames, got %d", ErrMalformed, req.Tag, len(rest))
		}
	case TagRegister:
		if len(rest) != 2 {
			return req, fmt.Errorf("%w: REGISTER expects 2 frames, got %d", ErrMalformed, len(rest))
		}
		req.Register = &RegisterRequest{
			Address:   string(rest[0]),
			PublicKey: string(rest[1]),
		}
	case TagLaunch:
		launch, err := decodeLaunch(rest)
		if err != nil {
			return req, err
		}
		req.Launch = launch
	default:
		return req, fmt.Errorf("%w: %q", ErrUnknownTag, truncate(string(frames[0]), 32))
	}
	return req, nil
}

func decodeLaunch(rest [][]byte) (*LaunchRequest, error) {
	if len(rest) < 3 {
		return nil, fmt.Errorf("%w: LAUNCH expects signature, host, count, got %d frames", ErrMalformed, len(rest))
	}
	count, err := strconv.Atoi(string(rest[2]))
	if err != nil {
		return nil, fmt.Errorf("%w: LAUNCH count %q", ErrMalformed, truncate(string(rest[2]), 16))
	}
	if count < 1 || count > MaxTokens {
		return nil, fmt.Errorf("%w: LAUNCH count %d out of range", ErrMalformed, count)
	}
	tokens := rest[3:]
	if len(tokens) != count {
		return nil, fmt.Errorf("%w: LAUNCH declared %d tokens, got %d", ErrMalformed, count, len(tokens))
	}
	launch := &LaunchRequest{
		Signature: string(rest[0]),
		Host:      string(rest[1]),
		Tokens:    make([]string, 0, count),
	}
	for _, tok := range tokens {
		launch.Tokens = append(launch.Tokens, string(tok))
	}
	return launch, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
