// Package decoder turns raw RFC822 payloads into normalized inbound
// messages. The fingerprint is computed over the raw bytes before any
// parsing, so byte-identical deliveries always map to the same identity.
package decoder

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	stdmail "net/mail"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/zeebo/blake3"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/maildesk-io/maildesk/internal/models"
)

// ErrNoSender is returned when no sender address can be extracted from any
// header. It is the only condition that fails a whole message; everything
// else degrades to best-effort output.
var ErrNoSender = errors.New("decoder: no sender address in message")

const defaultBodyLimit = 512 * 1024

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Decoder parses raw mail bytes into InboundMessages.
type Decoder struct {
	logger       *log.Logger
	maxBodyBytes int64
	headerDec    *mime.WordDecoder
}

// Option customizes a Decoder.
type Option func(*Decoder)

// WithLogger overrides the logger used for per-part diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(d *Decoder) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithBodyLimit constrains how many body bytes are retained per part.
func WithBodyLimit(limit int64) Option {
	return func(d *Decoder) {
		if limit > 0 {
			d.maxBodyBytes = limit
		}
	}
}

// New returns a ready Decoder.
func New(opts ...Option) *Decoder {
	d := &Decoder{
		logger:       log.Default(),
		maxBodyBytes: defaultBodyLimit,
		headerDec:    &mime.WordDecoder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Fingerprint returns the hex blake3 digest of raw.
func Fingerprint(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Decode parses raw into an InboundMessage. Individual malformed parts are
// logged and skipped; the call fails only when no sender address exists.
func (d *Decoder) Decode(raw []byte) (*models.InboundMessage, error) {
	if len(raw) == 0 {
		return nil, ErrNoSender
	}
	msg := &models.InboundMessage{Fingerprint: Fingerprint(raw)}

	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		d.logf("decoder: structured parse failed: %v", err)
		return d.legacyDecode(raw, msg)
	}

	msg.Subject = d.subjectFromHeader(&reader.Header)
	name, addr := d.senderFromHeader(&reader.Header)
	if addr == "" {
		return nil, ErrNoSender
	}
	msg.SenderAddress = addr
	msg.SenderName = name
	if msg.SenderName == "" {
		msg.SenderName = addr
	}

	body, attachments := d.readParts(reader)
	msg.Body = body
	msg.Attachments = attachments
	return msg, nil
}

// legacyDecode handles messages go-message rejects outright, using the
// stdlib parser so a malformed MIME structure still yields a ticket.
func (d *Decoder) legacyDecode(raw []byte, msg *models.InboundMessage) (*models.InboundMessage, error) {
	reader, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoder: parse message: %w", err)
	}
	msg.Subject = d.decodeHeader(reader.Header.Get("Subject"))
	name, addr := d.parseAddress(reader.Header.Get("From"))
	if addr == "" {
		return nil, ErrNoSender
	}
	msg.SenderAddress = addr
	msg.SenderName = name
	if msg.SenderName == "" {
		msg.SenderName = addr
	}
	body, err := io.ReadAll(io.LimitReader(reader.Body, d.maxBodyBytes))
	if err != nil {
		d.logf("decoder: read body failed: %v", err)
	} else {
		msg.Body = string(body)
	}
	return msg, nil
}

// readParts walks every MIME part. All text/plain bodies are concatenated
// in document order; the first text/html body is kept as a fallback used
// only when no plain part exists anywhere. Any part carrying a filename is
// an attachment regardless of its declared content type.
func (d *Decoder) readParts(reader *gomail.Reader) (string, []models.InboundAttachment) {
	var plain strings.Builder
	var html string
	var attachments []models.InboundAttachment
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			d.logf("decoder: read part failed: %v", err)
			break
		}
		switch header := part.Header.(type) {
		case *gomail.InlineHeader:
			// A filename makes the part an attachment no matter what
			// disposition or content type it declares.
			if filename := d.inlineFilename(header); filename != "" {
				if att := d.readAttachmentData(filename, part.Body); att != nil {
					attachments = append(attachments, *att)
				}
				continue
			}
			mimeType := d.partMimeType(header.Get("Content-Type"))
			body, readErr := d.readPartBody(part.Body)
			if readErr != nil {
				d.logf("decoder: read part body failed: %v", readErr)
				continue
			}
			switch {
			case strings.HasPrefix(mimeType, "text/plain"):
				plain.WriteString(body)
			case strings.HasPrefix(mimeType, "text/html"):
				if html == "" {
					html = body
				}
			}
		case *gomail.AttachmentHeader:
			if att := d.readAttachment(part, header); att != nil {
				attachments = append(attachments, *att)
			}
		}
	}
	if plain.Len() > 0 {
		return plain.String(), attachments
	}
	return html, attachments
}

func (d *Decoder) readAttachment(part *gomail.Part, header *gomail.AttachmentHeader) *models.InboundAttachment {
	filename, err := header.Filename()
	if err != nil || strings.TrimSpace(filename) == "" {
		// A nameless attachment part carries nothing the pipeline can
		// store under a stable path; skip it.
		d.logf("decoder: attachment without filename skipped")
		return nil
	}
	return d.readAttachmentData(filename, part.Body)
}

// inlineFilename digs a filename out of an inline part's disposition or
// content-type parameters.
func (d *Decoder) inlineFilename(header *gomail.InlineHeader) string {
	if _, params, err := header.ContentDisposition(); err == nil {
		if name := strings.TrimSpace(params["filename"]); name != "" {
			return d.decodeHeader(name)
		}
	}
	if _, params, err := header.ContentType(); err == nil {
		if name := strings.TrimSpace(params["name"]); name != "" {
			return d.decodeHeader(name)
		}
	}
	return ""
}

func (d *Decoder) readAttachmentData(filename string, body io.Reader) *models.InboundAttachment {
	data, err := io.ReadAll(body)
	if err != nil {
		d.logf("decoder: read attachment %s failed: %v", filename, err)
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	return &models.InboundAttachment{Filename: filename, Data: data}
}

func (d *Decoder) readPartBody(src io.Reader) (string, error) {
	if src == nil {
		return "", nil
	}
	data, err := io.ReadAll(io.LimitReader(src, d.maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *Decoder) subjectFromHeader(header *gomail.Header) string {
	if subject, err := header.Subject(); err == nil {
		return subject
	}
	return d.decodeHeader(header.Get("Subject"))
}

func (d *Decoder) senderFromHeader(header *gomail.Header) (string, string) {
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Name), strings.TrimSpace(list[0].Address)
	}
	return d.parseAddress(header.Get("From"))
}

// decodeHeader decodes RFC2047 encoded words, returning the raw value when
// decoding fails rather than dropping the message.
func (d *Decoder) decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	decoded, err := d.headerDec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func (d *Decoder) parseAddress(value string) (string, string) {
	value = d.decodeHeader(value)
	if value == "" {
		return "", ""
	}
	if addrs, err := stdmail.ParseAddressList(value); err == nil && len(addrs) > 0 {
		return strings.TrimSpace(addrs[0].Name), strings.TrimSpace(addrs[0].Address)
	}
	if addr, err := stdmail.ParseAddress(value); err == nil {
		return strings.TrimSpace(addr.Name), strings.TrimSpace(addr.Address)
	}
	return "", ""
}

func (d *Decoder) partMimeType(contentType string) string {
	raw := strings.TrimSpace(contentType)
	if raw == "" {
		return "text/plain"
	}
	if parsed, _, err := mime.ParseMediaType(raw); err == nil {
		return strings.ToLower(parsed)
	}
	return strings.ToLower(raw)
}

func (d *Decoder) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
