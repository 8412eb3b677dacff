// Package ingest turns raw RFC 5322 messages into index records.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	netmail "net/mail"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailindex/internal/header"
	"github.com/nhle/mailindex/internal/model"
)

// MailboxRef places a parsed message in a mailbox.
type MailboxRef struct {
	ID        string
	Name      string
	AccountID string
}

// ParseFile reads and parses the message stored at path.
func ParseFile(path string, ref MailboxRef) (*model.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening message %s: %w", path, err)
	}
	defer f.Close()

	msg, err := ParseMessage(f, ref)
	if err != nil {
		return nil, fmt.Errorf("parsing message %s: %w", path, err)
	}
	return msg, nil
}

// ParseMessage parses one raw message. The local id comes from the
// Message-ID header when it has one, and from the message bytes otherwise,
// so parsing the same message twice yields the same id.
func ParseMessage(r io.Reader, ref MailboxRef) (*model.Message, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := &model.Message{
		MailboxID:     ref.ID,
		MailboxName:   ref.Name,
		AccountID:     ref.AccountID,
		MailboxStatus: model.MailboxStatusInbox,
		Size:          int64(len(raw)),
	}

	if id, ok := header.NormalizeMessageID(h.Get("Message-Id")); ok {
		msg.MessageID = id
	}
	if id, ok := header.NormalizeMessageID(h.Get("In-Reply-To")); ok {
		msg.InReplyTo = id
	}
	msg.References = header.ParseReferences(h.Get("References"))

	if key, ok := header.Key(msg.MessageID); ok {
		msg.ID = key
	} else {
		sum := sha256.Sum256(raw)
		msg.ID = hex.EncodeToString(sum[:16])
	}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.Sender = model.Sender{Name: from[0].Name, Email: strings.ToLower(from[0].Address)}
	}
	for _, field := range []struct {
		key  string
		kind string
	}{
		{"To", model.RecipientTo},
		{"Cc", model.RecipientCc},
		{"Bcc", model.RecipientBcc},
	} {
		addrs, err := h.AddressList(field.key)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			msg.Recipients = append(msg.Recipients, model.Recipient{
				Type:  field.kind,
				Name:  a.Name,
				Email: strings.ToLower(a.Address),
			})
		}
	}

	if date, err := h.Date(); err == nil {
		msg.DateSent = date.UTC()
	}
	msg.DateReceived = receivedDate(h.Values("Received"))
	if msg.DateReceived.IsZero() {
		msg.DateReceived = msg.DateSent
	}

	textBody, htmlBody, attachments := readParts(mr)
	msg.BodyText = textBody
	msg.BodyHTML = htmlBody
	if msg.BodyText == "" {
		msg.BodyText = stripHTML(htmlBody)
	}
	msg.Attachments = attachments
	msg.HasAttachments = len(attachments) > 0

	return msg, nil
}

// receivedDate returns the timestamp of the topmost Received header, which
// was added by the final hop.
func receivedDate(values []string) time.Time {
	for _, v := range values {
		i := strings.LastIndex(v, ";")
		if i < 0 {
			continue
		}
		if t, err := netmail.ParseDate(strings.TrimSpace(v[i+1:])); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// readParts walks the MIME tree and collects the first text/plain and
// text/html bodies and attachment metadata.
func readParts(mr *mail.Reader) (textBody string, htmlBody string, attachments []model.Attachment) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain") && textBody == "":
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
				htmlBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			// Read to get size without storing content
			n, readErr := io.Copy(io.Discard, part.Body)
			if readErr != nil {
				continue
			}

			attachments = append(attachments, model.Attachment{
				Filename: filename,
				MIMEType: contentType,
				Size:     n,
			})
		}
	}

	return textBody, htmlBody, attachments
}

// htmlTagPattern matches HTML tags for stripping.
var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

var htmlEntities = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&nbsp;", " ",
)

// stripHTML gives a rough plain-text rendering of an HTML body so it can be
// searched.
func stripHTML(html string) string {
	if html == "" {
		return ""
	}

	result := html
	for _, tag := range []string{
		"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>",
	} {
		result = strings.ReplaceAll(result, tag, "\n")
	}

	result = htmlTagPattern.ReplaceAllString(result, "")
	result = htmlEntities.Replace(result)

	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(result)
}
