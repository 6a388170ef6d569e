// Package protocol implements the SMTP protocol engine: a pure
// state-transition function driven by one socket read at a time, owning
// no I/O of its own beyond the single storage.Save side effect that may
// occur once per session, at the DATA terminator.
package protocol

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pawciobiel/smtpingress/internal/auth"
	"github.com/pawciobiel/smtpingress/internal/metrics"
	"github.com/pawciobiel/smtpingress/internal/mimemsg"
	"github.com/pawciobiel/smtpingress/internal/session"
	"github.com/pawciobiel/smtpingress/internal/storage"
)

// dataTerminator is the 5-byte CRLF-dot-CRLF sequence that ends a DATA
// payload.
var dataTerminator = []byte("\r\n.\r\n")

// Engine holds the collaborators the protocol engine needs beyond the
// per-session state it is handed on every call: the storage sink and
// the AUTH LOGIN allow-list checker. The greeting and EHLO banner text
// are fixed by the wire protocol, not configurable.
type Engine struct {
	Storage       storage.Storage
	Authenticator auth.Authenticator
	Metrics       *metrics.Metrics
}

// HandleMessage is the single entry point the dispatcher drives once per
// socket read. It mutates state, metadata and dataBuffer in place and
// returns the response lines to send back (possibly empty, legal only
// while accumulating DATA).
func (e *Engine) HandleMessage(ctx context.Context, input []byte, state *session.State, metadata *session.Metadata, dataBuffer *bytes.Buffer) []string {
	if state.Kind == session.ProvidingData {
		dataBuffer.Write(input)
		return e.handleData(ctx, state, metadata, dataBuffer)
	}

	if !utf8.Valid(input) {
		return []string{Response(StatusSyntaxError, "Invalid UTF-8 sequence")}
	}
	line := strings.TrimSpace(string(input))

	switch state.Kind {
	case session.Initialized:
		return e.handleInitialized(state, metadata, line)
	case session.Authenticating:
		return e.handleAuthenticating(state, metadata, line)
	case session.ProvidingHeaders:
		return e.handleProvidingHeaders(state, metadata, line)
	case session.Quitting:
		return e.handleQuitting(line)
	default:
		return []string{Response(StatusSyntaxError, "Command unrecognized")}
	}
}

func (e *Engine) handleInitialized(state *session.State, metadata *session.Metadata, line string) []string {
	verb, rest, hasSep := splitVerb(line)
	if !strings.EqualFold(verb, "EHLO") {
		return []string{Response(StatusInitialNotEhlo, "Initial message must be EHLO")}
	}
	if !hasSep || strings.TrimSpace(rest) == "" {
		return []string{Response(StatusParamError, "Syntax error, expected: EHLO <domain>")}
	}

	metadata.Client = strings.TrimSpace(rest)
	state.Kind = session.Authenticating
	state.AuthSub = session.AwaitRequest

	return MultilineResponse(StatusOK,
		fmt.Sprintf("%s greets %s", ehloGreetHost, metadata.Client),
		"AUTH LOGIN PLAIN",
		"SIZE 104857600",
		"8BITMIME",
	)
}

func (e *Engine) handleAuthenticating(state *session.State, metadata *session.Metadata, line string) []string {
	switch state.AuthSub {
	case session.AwaitRequest:
		if !strings.EqualFold(line, "AUTH LOGIN") {
			return []string{Response(StatusNotAuthorized, "5.7.0 Authentication required")}
		}
		state.AuthSub = session.AwaitUsername
		return []string{Response(StatusAuthChallenge, auth.EncodeBase64("Username:"))}

	case session.AwaitUsername:
		decoded, err := auth.DecodeBase64(line)
		if err != nil {
			return []string{Response(StatusParamError, "Syntax error in parameters (malformed base64)")}
		}
		if !utf8.ValidString(decoded) {
			return []string{Response(StatusInitialNotEhlo, "Invalid UTF-8 in username")}
		}
		if !e.Authenticator.Allowed(decoded) {
			if e.Metrics != nil {
				e.Metrics.AuthFailures.Inc()
			}
			return []string{Response(StatusAuthRequired, "5.7.8 Authentication credentials invalid")}
		}
		metadata.AuthenticatedUser = &decoded
		state.AuthUser = decoded
		state.AuthSub = session.AwaitPassword
		return []string{Response(StatusAuthChallenge, auth.EncodeBase64("Password:"))}

	case session.AwaitPassword:
		// Password is accepted unconditionally; this is a capture sink,
		// not a real authentication boundary.
		state.Kind = session.ProvidingHeaders
		state.HdrSub = session.AwaitMailFrom
		return []string{Response(StatusAuthSuccess, "2.7.0 Authentication successful")}

	default:
		return []string{Response(StatusSyntaxError, "Command unrecognized")}
	}
}

func (e *Engine) handleProvidingHeaders(state *session.State, metadata *session.Metadata, line string) []string {
	switch state.HdrSub {
	case session.AwaitMailFrom:
		verb, rest, hasSep := splitOnColon(line)
		if !strings.EqualFold(verb, "MAIL FROM") && !strings.EqualFold(verb, "MAIL") {
			return []string{Response(StatusParamError, "Syntax error, expected: 'MAIL FROM:<address>'")}
		}
		if !hasSep {
			return []string{Response(StatusParamError, "Syntax error, expected: 'MAIL FROM:<address>'")}
		}
		metadata.From = extractAddress(rest)
		state.HdrSub = session.AwaitRcptOrData
		return []string{Response(StatusOK, "OK")}

	case session.AwaitRcptOrData:
		if strings.EqualFold(line, "DATA") {
			if len(metadata.Recipients) == 0 {
				return []string{Response(StatusBadSequence, "Client must provide at least one recipient before calling DATA")}
			}
			state.Kind = session.ProvidingData
			return []string{Response(StatusStartMailInput, "End data with <CRLF>.<CRLF>")}
		}

		verb, rest, hasSep := splitOnColon(line)
		if !strings.EqualFold(verb, "RCPT TO") && !strings.EqualFold(verb, "RCPT") {
			return []string{Response(StatusParamError, "Syntax error, expected: 'RCPT TO:<address>'")}
		}
		if !hasSep {
			return []string{Response(StatusParamError, "Syntax error, expected: 'RCPT TO:<address>'")}
		}
		metadata.AddRecipient(extractAddress(rest))
		return []string{Response(StatusOK, "OK")}

	default:
		return []string{Response(StatusSyntaxError, "Command unrecognized")}
	}
}

func (e *Engine) handleData(ctx context.Context, state *session.State, metadata *session.Metadata, dataBuffer *bytes.Buffer) []string {
	buf := dataBuffer.Bytes()
	idx := bytes.LastIndex(buf, dataTerminator)
	if idx == -1 {
		return nil
	}

	canonical := dotUnstuff(buf[:idx])

	msg, err := mimemsg.Parse(canonical)
	if err != nil {
		state.Kind = session.Quitting
		return []string{Response(StatusParamError, "Syntax Error, could not parse provided data.")}
	}

	metadata.To = msg.To
	metadata.Cc = msg.Cc
	metadata.Bcc = msg.Bcc
	metadata.Subject = msg.Subject
	metadata.Date = msg.Date
	metadata.MessageID = msg.MessageID

	start := time.Now()
	err = e.Storage.Save(ctx, metadata, msg)
	if e.Metrics != nil {
		e.Metrics.StorageSaveDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		state.Kind = session.Quitting
		return []string{Response(StatusTransactionFailed, "Transaction failed")}
	}

	if e.Metrics != nil {
		e.Metrics.MessagesAccepted.Inc()
		e.Metrics.AttachmentsStored.Add(float64(len(msg.Attachments)))
	}

	state.Kind = session.Quitting
	return []string{Response(StatusOK, "Message accepted for delivery")}
}

func (e *Engine) handleQuitting(line string) []string {
	if strings.EqualFold(line, "QUIT") {
		return []string{Response(StatusClosing, "Bye")}
	}
	return []string{Response(StatusParamError, "Expected QUIT.")}
}

// splitVerb splits "VERB rest" on the first space. hasSep is false if
// there was no space at all (a bare verb with no argument).
func splitVerb(line string) (verb, rest string, hasSep bool) {
	idx := strings.IndexByte(line, ' ')
	if idx == -1 {
		return line, "", false
	}
	return line[:idx], line[idx+1:], true
}

// splitOnColon splits "VERB:rest" on the first colon, matching the
// MAIL FROM: / RCPT TO: command grammar.
func splitOnColon(line string) (verb, rest string, hasSep bool) {
	idx := strings.IndexByte(line, ':')
	if idx == -1 {
		return line, "", false
	}
	return strings.TrimSpace(line[:idx]), line[idx+1:], true
}

// extractAddress pulls the address out of a MAIL FROM/RCPT TO tail: the
// substring strictly between the first '<' and first '>', or the whole
// trimmed tail if no angle brackets are present.
func extractAddress(tail string) string {
	start := strings.IndexByte(tail, '<')
	end := strings.IndexByte(tail, '>')
	if start != -1 && end != -1 && end > start {
		return tail[start+1 : end]
	}
	return strings.TrimSpace(tail)
}

// dotUnstuff replaces every occurrence of ".." with "." across the whole
// buffer, producing the canonical message text handed to the MIME
// parser.
func dotUnstuff(data []byte) []byte {
	return bytes.ReplaceAll(data, []byte(".."), []byte("."))
}
