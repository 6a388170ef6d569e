package protocol

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pawciobiel/smtpingress/internal/auth"
	"github.com/pawciobiel/smtpingress/internal/mimemsg"
	"github.com/pawciobiel/smtpingress/internal/session"
)

type fakeStorage struct {
	saves    int
	lastMeta *session.Metadata
	lastMsg  *mimemsg.Message
	failNext bool
}

func (f *fakeStorage) Save(ctx context.Context, metadata *session.Metadata, msg *mimemsg.Message) error {
	if f.failNext {
		return fmt.Errorf("simulated storage failure")
	}
	f.saves++
	f.lastMeta = metadata
	f.lastMsg = msg
	return nil
}

func newTestEngine(store *fakeStorage, allowed []string) *Engine {
	return &Engine{
		Storage:       store,
		Authenticator: auth.NewAllowListAuthenticator(allowed),
	}
}

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

// TestHappyPath drives the full scenario 1 conversation and asserts
// exactly one storage.Save call with the expected envelope data.
func TestHappyPath(t *testing.T) {
	store := &fakeStorage{}
	engine := newTestEngine(store, []string{"test@example.com"})
	state := session.NewState()
	metadata := session.NewMetadata()
	var data bytes.Buffer
	ctx := context.Background()

	steps := []struct {
		input      []byte
		wantPrefix string
	}{
		{crlf("EHLO client.example"), "250-smtp-proxy"},
		{crlf("AUTH LOGIN"), "334 VXNlcm5hbWU6"},
		{crlf(auth.EncodeBase64("test@example.com")), "334 UGFzc3dvcmQ6"},
		{crlf(auth.EncodeBase64("password")), "235 2.7.0 Authentication successful"},
		{crlf("MAIL FROM:<sender@example.com>"), "250 OK"},
		{crlf("RCPT TO:<rcpt@example.net>"), "250 OK"},
		{crlf("DATA"), "354 End data with <CRLF>.<CRLF>"},
	}

	for _, st := range steps {
		resp := engine.HandleMessage(ctx, st.input, state, metadata, &data)
		if len(resp) == 0 || !strings.HasPrefix(resp[0], st.wantPrefix) {
			t.Fatalf("input %q: got %v, want prefix %q", st.input, resp, st.wantPrefix)
		}
	}

	payload := []byte("From: a@b\r\nTo: c@d\r\nSubject: Hi\r\n\r\nHello\r\n.\r\n")
	resp := engine.HandleMessage(ctx, payload, state, metadata, &data)
	if len(resp) != 1 || resp[0] != "250 Message accepted for delivery" {
		t.Fatalf("DATA terminator response = %v", resp)
	}
	if store.saves != 1 {
		t.Fatalf("expected exactly 1 save, got %d", store.saves)
	}
	if store.lastMeta.From != "sender@example.com" {
		t.Errorf("saved From = %q, want sender@example.com", store.lastMeta.From)
	}
	if diff := cmp.Diff([]string{"rcpt@example.net"}, store.lastMeta.Recipients); diff != "" {
		t.Errorf("saved Recipients mismatch (-want +got):\n%s", diff)
	}

	resp = engine.HandleMessage(ctx, crlf("QUIT"), state, metadata, &data)
	if len(resp) != 1 || resp[0] != "221 Bye" {
		t.Fatalf("QUIT response = %v", resp)
	}
}

// TestNonEhloFirstCommand covers scenario 2.
func TestNonEhloFirstCommand(t *testing.T) {
	engine := newTestEngine(&fakeStorage{}, []string{"*"})
	state := session.NewState()
	metadata := session.NewMetadata()
	var data bytes.Buffer

	resp := engine.HandleMessage(context.Background(), crlf("MAIL FROM:<x@y>"), state, metadata, &data)
	want := []string{"552 Initial message must be EHLO"}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

// TestDataBeforeRcpt covers scenario 3.
func TestDataBeforeRcpt(t *testing.T) {
	engine := newTestEngine(&fakeStorage{}, []string{"*"})
	state := &session.State{Kind: session.ProvidingHeaders, HdrSub: session.AwaitRcptOrData}
	metadata := session.NewMetadata()
	metadata.From = "x@y"
	var data bytes.Buffer

	resp := engine.HandleMessage(context.Background(), crlf("DATA"), state, metadata, &data)
	if len(resp) != 1 || !strings.HasPrefix(resp[0], "503") {
		t.Fatalf("response = %v, want 503 prefix", resp)
	}
	if state.Kind != session.ProvidingHeaders || state.HdrSub != session.AwaitRcptOrData {
		t.Errorf("state changed unexpectedly: %+v", state)
	}
}

// TestAllowListReject covers scenario 4: rejection keeps the session in
// AwaitUsername so the peer may retry on the same connection.
func TestAllowListReject(t *testing.T) {
	engine := newTestEngine(&fakeStorage{}, []string{"allowed@x"})
	state := &session.State{Kind: session.Authenticating, AuthSub: session.AwaitUsername}
	metadata := session.NewMetadata()
	var data bytes.Buffer
	ctx := context.Background()

	resp := engine.HandleMessage(ctx, crlf(auth.EncodeBase64("blocked@x")), state, metadata, &data)
	if len(resp) != 1 || !strings.HasPrefix(resp[0], "535") {
		t.Fatalf("response = %v, want 535 prefix", resp)
	}
	if state.Kind != session.Authenticating || state.AuthSub != session.AwaitUsername {
		t.Fatalf("state = %+v, want still AwaitUsername", state)
	}

	resp = engine.HandleMessage(ctx, crlf(auth.EncodeBase64("allowed@x")), state, metadata, &data)
	if len(resp) != 1 || !strings.HasPrefix(resp[0], "334") {
		t.Fatalf("retry response = %v, want 334 prefix", resp)
	}
	if state.AuthSub != session.AwaitPassword {
		t.Fatalf("state after accepted login = %+v", state)
	}
}

// TestSplitData covers scenario 5: the terminator may straddle reads.
func TestSplitData(t *testing.T) {
	store := &fakeStorage{}
	engine := newTestEngine(store, []string{"*"})
	state := &session.State{Kind: session.ProvidingData}
	metadata := session.NewMetadata()
	metadata.From = "sender@example.com"
	metadata.AddRecipient("rcpt@example.net")
	var data bytes.Buffer
	ctx := context.Background()

	full := []byte("From: a@b\r\nTo: c@d\r\nSubject: Hi\r\n\r\nHello\r\n.\r\n")
	// The second chunk ends with the terminator's leading CRLF and the
	// third carries its ".\r\n", so the terminator spans the join.
	n := len(full)
	chunks := [][]byte{full[:20], full[20 : n-3], full[n-3:]}

	var last []string
	for _, c := range chunks {
		last = engine.HandleMessage(ctx, c, state, metadata, &data)
	}

	if len(last) != 1 || last[0] != "250 Message accepted for delivery" {
		t.Fatalf("final response = %v", last)
	}
	if store.saves != 1 {
		t.Fatalf("expected exactly 1 save, got %d", store.saves)
	}
}

// TestAttachmentCollisionForwarded covers scenario 6: two same-named
// attachments produce two distinct artifact names, both ending in the
// right extension. The naming itself is exercised by the storage
// package's own tests; here we only assert the engine forwards all
// attachments to Save untouched.
func TestAttachmentCollisionForwarded(t *testing.T) {
	store := &fakeStorage{}
	engine := newTestEngine(store, []string{"*"})
	state := &session.State{Kind: session.ProvidingData}
	metadata := session.NewMetadata()
	metadata.From = "sender@example.com"
	metadata.AddRecipient("rcpt@example.net")
	var data bytes.Buffer
	ctx := context.Background()

	raw := "From: a@b\r\n" +
		"To: c@d\r\n" +
		"Content-Type: multipart/mixed; boundary=XYZ\r\n\r\n" +
		"--XYZ\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report\"\r\n\r\n" +
		"pdf-one\r\n" +
		"--XYZ\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report\"\r\n\r\n" +
		"pdf-two\r\n" +
		"--XYZ--\r\n" +
		".\r\n"

	resp := engine.HandleMessage(ctx, []byte(raw), state, metadata, &data)
	if len(resp) != 1 || resp[0] != "250 Message accepted for delivery" {
		t.Fatalf("response = %v", resp)
	}
	if store.saves != 1 {
		t.Fatalf("expected exactly 1 save, got %d", store.saves)
	}
	if len(store.lastMsg.Attachments) != 2 {
		t.Fatalf("expected 2 attachments forwarded to Save, got %d", len(store.lastMsg.Attachments))
	}
	for i, att := range store.lastMsg.Attachments {
		if att.DispositionFilename != "report" || att.ContentType != "application/pdf" {
			t.Errorf("attachment %d = %q (%s), want report (application/pdf)", i, att.DispositionFilename, att.ContentType)
		}
	}
}

func TestStorageFailureReply(t *testing.T) {
	store := &fakeStorage{failNext: true}
	engine := newTestEngine(store, []string{"*"})
	state := &session.State{Kind: session.ProvidingData}
	metadata := session.NewMetadata()
	metadata.From = "sender@example.com"
	metadata.AddRecipient("rcpt@example.net")
	var data bytes.Buffer

	raw := []byte("From: a@b\r\nTo: c@d\r\nSubject: Hi\r\n\r\nHello\r\n.\r\n")
	resp := engine.HandleMessage(context.Background(), raw, state, metadata, &data)
	if len(resp) != 1 || resp[0] != "554 Transaction failed" {
		t.Fatalf("response = %v, want 554", resp)
	}
	if state.Kind != session.Quitting {
		t.Fatalf("state = %+v, want Quitting", state)
	}
}

func TestInvalidUTF8NonData(t *testing.T) {
	engine := newTestEngine(&fakeStorage{}, []string{"*"})
	state := session.NewState()
	metadata := session.NewMetadata()
	var data bytes.Buffer

	resp := engine.HandleMessage(context.Background(), []byte{0xff, 0xfe, '\r', '\n'}, state, metadata, &data)
	if len(resp) != 1 || resp[0] != "500 Invalid UTF-8 sequence" {
		t.Fatalf("response = %v", resp)
	}
}
