// Package mimemsg parses the canonical (dot-unstuffed, terminator-free)
// DATA payload as an RFC 5322 / MIME message, projects envelope-adjacent
// header fields into the session metadata record, and walks the
// multipart tree to produce an ordered, depth-first list of attachments.
package mimemsg

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Attachment is one leaf artifact discovered during the depth-first
// multipart walk, carrying everything the naming logic in the storage
// package needs to derive a filename.
type Attachment struct {
	Depth               int
	Index               int
	DispositionFilename string
	ContentTypeName     string
	ContentType         string
	Data                []byte
}

// Message is a parsed MIME message: the decoded header fields the
// projector extracts, the first HTML body part found (if any), and the
// ordered attachment list.
type Message struct {
	To, Cc, Bcc []string
	Subject     string
	Date        *string
	MessageID   *string
	BodyHTML    []byte
	Attachments []Attachment
}

// placeholderBody is written by the storage layer when no HTML body part
// is present; kept here so every storage backend and its tests refer to
// the same literal.
const placeholderBody = "<html><h3>Body not found</h3><p>This message had no body when captured.</p></html>"

// PlaceholderBody returns the literal HTML fragment substituted for
// body.html when the message has no HTML body part.
func PlaceholderBody() []byte {
	return []byte(placeholderBody)
}

// Parse reads raw as an RFC 5322 message, projects its header fields and
// walks its MIME tree for attachments and the first HTML body part.
func Parse(raw []byte) (*Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if message.IsUnknownCharset(err) {
		// Header parsed fine, body charset is unusual; proceed anyway.
		err = nil
	}
	if err != nil || entity == nil {
		return nil, fmt.Errorf("failed to parse MIME message: %w", err)
	}

	m := &Message{}
	project(entity, m)

	w := &walker{}
	w.walk(entity, 0)
	m.BodyHTML = w.body
	m.Attachments = w.attachments
	return m, nil
}

// project extracts to/cc/bcc/subject/date/message_id from the top-level
// header using the structured address and date parsing the mail
// sub-package provides over the raw header.
func project(entity *message.Entity, m *Message) {
	h := mail.Header{Header: entity.Header}

	m.To = flattenAddresses(h, "To")
	m.Cc = flattenAddresses(h, "Cc")
	m.Bcc = flattenAddresses(h, "Bcc")

	if subject, err := h.Subject(); err == nil {
		m.Subject = subject
	}

	if date, err := h.Date(); err == nil && !date.IsZero() {
		s := date.UTC().Format(time.RFC3339)
		m.Date = &s
	}

	if id := strings.TrimSpace(entity.Header.Get("Message-Id")); id != "" {
		m.MessageID = &id
	}
}

func flattenAddresses(h mail.Header, field string) []string {
	addrs, err := h.AddressList(field)
	if err != nil || len(addrs) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Address == "" {
			continue
		}
		out = append(out, a.Address)
	}
	if out == nil {
		return []string{}
	}
	return out
}

// walker accumulates the first HTML body part and the depth-first
// attachment list while descending a (possibly nested) MIME tree.
type walker struct {
	body        []byte
	attachments []Attachment
}

func (w *walker) walk(entity *message.Entity, depth int) {
	contentType, params, _ := entity.Header.ContentType()
	contentType = strings.ToLower(contentType)

	if strings.HasPrefix(contentType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return
		}
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				break
			}
			w.walk(part, depth+1)
		}
		return
	}

	if contentType == "message/rfc822" {
		nested, err := message.Read(entity.Body)
		if err == nil && nested != nil {
			w.walk(nested, depth+1)
		}
		return
	}

	data, err := io.ReadAll(entity.Body)
	if err != nil {
		return
	}

	disposition, dispParams, _ := entity.Header.ContentDisposition()
	disposition = strings.ToLower(disposition)

	if w.body == nil && contentType == "text/html" && disposition != "attachment" {
		w.body = data
		return
	}

	if disposition == "attachment" || !strings.HasPrefix(contentType, "text/") {
		index := len(w.attachments)
		w.attachments = append(w.attachments, Attachment{
			Depth:               depth,
			Index:               index,
			DispositionFilename: dispParams["filename"],
			ContentTypeName:     params["name"],
			ContentType:         contentType,
			Data:                data,
		})
	}
}
