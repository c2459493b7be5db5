// Package protocol owns the request/reply wire contract.
//
// Ownership boundary:
// - request tags and literal reply strings
// - multipart frame decode/encode for each request kind
// - the canonical signed string for LAUNCH
//
// Every request is one multipart message whose first frame is the tag.
// Every reply is a single frame.
package protocol
