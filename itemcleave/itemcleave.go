// Package itemcleave splits an appended message/rfc822 payload into
// the PLD:HEADER, PLD:BODY, and PLD:ENVELOPE parts a PimItem stores,
// and rebuilds an rfc822 stream from those parts on FETCH. It is a
// thin domain adapter over the teacher's email/msgcleaver and
// email/msgbuilder packages: cleave does the real MIME walk they
// already do, and itemcleave only reshapes the result into the three
// named parts Akonadi clients expect instead of msgcleaver's
// one-part-per-MIME-part breakdown.
package itemcleave

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"crawshaw.io/iox"

	"github.com/xrg/akonadi/email"
	"github.com/xrg/akonadi/email/msgbuilder"
	"github.com/xrg/akonadi/email/msgcleaver"
)

// HeaderPart, BodyPart, and EnvelopePart are the PartType names
// (within the PLD namespace) X-AKAPPEND writes and FETCH reads back
// for a message/rfc822 item.
const (
	HeaderPart   = "HEADER"
	BodyPart     = "BODY"
	EnvelopePart = "ENVELOPE"
)

// Envelope is the structured summary stored as the PLD:ENVELOPE part,
// an IMAP-ENVELOPE-shaped subset of the headers a client can fetch
// without reading the full header blob.
type Envelope struct {
	Date      string
	Subject   string
	From      string
	To        string
	Cc        string
	MessageID string
}

// Encode renders the envelope as the line-oriented "Key: value" form
// PLD:ENVELOPE is stored and parsed as.
func (e Envelope) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Date: %s\r\n", e.Date)
	fmt.Fprintf(&buf, "Subject: %s\r\n", e.Subject)
	fmt.Fprintf(&buf, "From: %s\r\n", e.From)
	fmt.Fprintf(&buf, "To: %s\r\n", e.To)
	fmt.Fprintf(&buf, "Cc: %s\r\n", e.Cc)
	fmt.Fprintf(&buf, "Message-ID: %s\r\n", e.MessageID)
	return buf.Bytes()
}

// Cleaved holds the three part payloads produced by Cleave.
type Cleaved struct {
	Header   []byte
	Body     []byte
	Envelope []byte
}

// Cleave splits src, a message/rfc822 stream, into header bytes, a
// flattened body (the first MIME part msgcleaver marks IsBody, or the
// sole part of a non-multipart message), and an envelope summary.
// filer backs msgcleaver's temporary part buffers; they're closed
// before Cleave returns since only their encoded bytes are kept.
func Cleave(filer *iox.Filer, src io.Reader) (Cleaved, error) {
	msg, err := msgcleaver.Cleave(filer, src)
	if err != nil {
		return Cleaved{}, fmt.Errorf("itemcleave: %v", err)
	}
	defer msg.Close()

	var headerBuf bytes.Buffer
	if _, err := msg.Headers.Encode(&headerBuf); err != nil {
		return Cleaved{}, fmt.Errorf("itemcleave: encode header: %v", err)
	}

	var body []byte
	for _, p := range msg.Parts {
		if p.IsBody {
			b, err := io.ReadAll(p.Content)
			if err != nil {
				return Cleaved{}, fmt.Errorf("itemcleave: read body: %v", err)
			}
			body = b
			break
		}
	}
	if body == nil && len(msg.Parts) > 0 {
		b, err := io.ReadAll(msg.Parts[0].Content)
		if err != nil {
			return Cleaved{}, fmt.Errorf("itemcleave: read body: %v", err)
		}
		body = b
	}

	env := Envelope{
		Date:      string(msg.Headers.Get("Date")),
		Subject:   string(msg.Headers.Get("Subject")),
		From:      string(msg.Headers.Get("From")),
		To:        string(msg.Headers.Get("To")),
		Cc:        string(msg.Headers.Get("CC")),
		MessageID: string(msg.Headers.Get("Message-ID")),
	}

	return Cleaved{
		Header:   headerBuf.Bytes(),
		Body:     body,
		Envelope: env.Encode(),
	}, nil
}

// Rebuild reassembles an rfc822 stream from the PLD:HEADER and
// PLD:BODY parts FETCH read back. The result is a single-part message
// whose one part is body, labelled with header's Content-Type (or
// text/plain when header has none). The original MIME part tree
// msgcleaver split apart on append is not reconstructed, and for a
// multipart original the reused multipart Content-Type does not
// describe the single body part.
func Rebuild(filer *iox.Filer, header, body []byte) (io.Reader, error) {
	hdr, err := decodeHeader(header)
	if err != nil {
		return nil, fmt.Errorf("itemcleave: decode header: %v", err)
	}

	content := filer.BufferFile(len(body))
	if _, err := content.Write(body); err != nil {
		content.Close()
		return nil, err
	}
	if _, err := content.Seek(0, 0); err != nil {
		content.Close()
		return nil, err
	}

	contentType := string(hdr.Get("Content-Type"))
	if contentType == "" {
		contentType = "text/plain"
	}

	msg := &email.Msg{
		Headers: hdr,
		Parts: []email.Part{{
			Content:     content,
			ContentType: contentType,
			IsBody:      true,
		}},
	}
	defer msg.Close()

	builder := msgbuilder.Builder{Filer: filer}
	var out bytes.Buffer
	if err := builder.Build(&out, msg); err != nil {
		return nil, fmt.Errorf("itemcleave: rebuild: %v", err)
	}
	return &out, nil
}

// decodeHeader parses the header block Cleave stored (the output of
// email.Header.Encode) back into an email.Header. Folded continuation
// lines are joined onto the entry they continue before parsing.
func decodeHeader(b []byte) (email.Header, error) {
	hdr := email.Header{Index: make(map[email.Key][][]byte)}
	var lines []string
	for _, line := range strings.Split(string(b), "\r\n") {
		if len(lines) > 0 && line != "" && (line[0] == ' ' || line[0] == '\t') {
			lines[len(lines)-1] += " " + strings.TrimLeft(line, " \t")
			continue
		}
		lines = append(lines, line)
	}
	for _, line := range lines {
		if line == "" {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := email.CanonicalKey([]byte(strings.TrimSpace(line[:idx])))
		val := strings.TrimPrefix(line[idx+1:], " ")
		hdr.Add(key, []byte(val))
	}
	return hdr, nil
}
