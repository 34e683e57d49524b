// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gmail

import (
	"bytes"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	gmailapi "google.golang.org/api/gmail/v1"
)

// previewLimit is the maximum rune length of a message preview.
const previewLimit = 200

// Address is a parsed mailbox address.
type Address struct {
	Name    string
	Address string
}

// AttachmentPart describes an attachment found while walking a message.
// AttachmentID is empty for inline parts whose data was delivered with the
// message and cannot be fetched separately.
type AttachmentPart struct {
	Filename     string
	MimeType     string
	Size         int64
	AttachmentID string
}

// BodyPart is a text/plain or text/html part whose content Gmail did not
// deliver inline. It is fetched like an attachment.
type BodyPart struct {
	MimeType     string
	Charset      string
	AttachmentID string
}

// ParsedMessage is the normalised form of a Gmail message. All string
// fields hold valid UTF-8.
type ParsedMessage struct {
	ExternalID        string
	ThreadID          string
	From              Address
	To                []Address
	Subject           string
	Text              string
	HTML              string
	Preview           string
	Headers           map[string]string
	InternetMessageID string
	InReplyTo         string
	References        []string
	Date              time.Time
	Attachments       []AttachmentPart
	// RemoteBodies are body parts still to be fetched with ResolveBodies.
	RemoteBodies []BodyPart

	textParts []string
	htmlParts []string
	snippet   string
}

// Parse converts a full-format Gmail message into a ParsedMessage.
func Parse(msg *gmailapi.Message) (*ParsedMessage, error) {
	if msg == nil || msg.Payload == nil {
		return nil, fmt.Errorf("parse gmail message: empty payload")
	}

	p := &ParsedMessage{
		ExternalID: msg.Id,
		ThreadID:   msg.ThreadId,
		Headers:    make(map[string]string, len(msg.Payload.Headers)),
		snippet:    validUTF8(msg.Snippet),
	}
	for _, h := range msg.Payload.Headers {
		if _, exists := p.Headers[h.Name]; !exists {
			p.Headers[h.Name] = validUTF8(h.Value)
		}
	}

	header := func(name string) string {
		return validUTF8(headerValue(msg.Payload.Headers, name))
	}
	p.Subject = header("Subject")
	p.From = parseAddress(header("From"))
	p.To = parseAddressList(header("To"))
	p.InternetMessageID = strings.TrimSpace(header("Message-ID"))
	p.InReplyTo = strings.TrimSpace(header("In-Reply-To"))
	p.References = strings.Fields(header("References"))

	if d, err := mail.ParseDate(headerValue(msg.Payload.Headers, "Date")); err == nil {
		p.Date = d.UTC()
	} else if msg.InternalDate > 0 {
		p.Date = time.UnixMilli(msg.InternalDate).UTC()
	}

	walkParts(msg.Payload, func(part *gmailapi.MessagePart) {
		body := part.Body
		if body == nil {
			body = &gmailapi.MessagePartBody{}
		}

		mediaType, params, _ := mime.ParseMediaType(headerValue(part.Headers, "Content-Type"))
		if mediaType == "" {
			mediaType = strings.ToLower(part.MimeType)
		}
		isText := mediaType == "text/plain" || mediaType == "text/html"

		if isAttachment(part) || (!isText && body.AttachmentId != "") {
			p.Attachments = append(p.Attachments, AttachmentPart{
				Filename:     attachmentName(part),
				MimeType:     part.MimeType,
				Size:         body.Size,
				AttachmentID: body.AttachmentId,
			})
			return
		}
		if !isText {
			return
		}

		if body.Data == "" && body.AttachmentId != "" {
			p.RemoteBodies = append(p.RemoteBodies, BodyPart{
				MimeType:     mediaType,
				Charset:      params["charset"],
				AttachmentID: body.AttachmentId,
			})
			return
		}

		raw, err := decodeBase64URL(body.Data)
		if err != nil {
			return
		}
		p.addBody(mediaType, decodeCharset(raw, params["charset"]))
	})

	p.finish()
	return p, nil
}

// ResolveBodies downloads every remote body part with fetch and rebuilds
// Text, HTML and Preview. Parts that fail to download are left in
// RemoteBodies and the first error is returned.
func (p *ParsedMessage) ResolveBodies(fetch func(attachmentID string) ([]byte, error)) error {
	var (
		pending  []BodyPart
		firstErr error
	)
	for _, part := range p.RemoteBodies {
		raw, err := fetch(part.AttachmentID)
		if err != nil {
			pending = append(pending, part)
			if firstErr == nil {
				firstErr = fmt.Errorf("fetch body part %s: %w", part.AttachmentID, err)
			}
			continue
		}
		p.addBody(part.MimeType, decodeCharset(raw, part.Charset))
	}
	p.RemoteBodies = pending
	p.finish()
	return firstErr
}

func (p *ParsedMessage) addBody(mediaType, content string) {
	if mediaType == "text/plain" {
		p.textParts = append(p.textParts, content)
	} else {
		p.htmlParts = append(p.htmlParts, content)
	}
}

func (p *ParsedMessage) finish() {
	p.Text = strings.Join(p.textParts, "\n")
	p.HTML = strings.Join(p.htmlParts, "\n")
	if strings.TrimSpace(p.Text) == "" && p.HTML != "" {
		p.Text = HTMLToText(p.HTML)
	}

	p.Preview = makePreview(p.Text)
	if p.Preview == "" {
		p.Preview = makePreview(p.snippet)
	}
}

// isAttachment reports whether part carries a file rather than a body.
func isAttachment(part *gmailapi.MessagePart) bool {
	if part.Filename != "" {
		return true
	}
	disposition, _, _ := mime.ParseMediaType(headerValue(part.Headers, "Content-Disposition"))
	return disposition == "attachment"
}

// walkParts visits part and all of its descendants depth-first.
func walkParts(part *gmailapi.MessagePart, visit func(*gmailapi.MessagePart)) {
	if part == nil {
		return
	}
	if len(part.Parts) == 0 {
		visit(part)
		return
	}
	for _, child := range part.Parts {
		walkParts(child, visit)
	}
}

func headerValue(headers []*gmailapi.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func attachmentName(part *gmailapi.MessagePart) string {
	if part.Filename != "" {
		return validUTF8(part.Filename)
	}
	if _, params, err := mime.ParseMediaType(headerValue(part.Headers, "Content-Disposition")); err == nil && params["filename"] != "" {
		return validUTF8(params["filename"])
	}
	return "attachment"
}

func parseAddress(raw string) Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		// Malformed display names are common; fall back to the bracketed part.
		if i, j := strings.LastIndex(raw, "<"), strings.LastIndex(raw, ">"); i >= 0 && j > i {
			return Address{
				Name:    strings.Trim(strings.TrimSpace(raw[:i]), `"`),
				Address: strings.TrimSpace(raw[i+1 : j]),
			}
		}
		return Address{Address: raw}
	}
	return Address{Name: addr.Name, Address: addr.Address}
}

func parseAddressList(raw string) []Address {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	list, err := mail.ParseAddressList(raw)
	if err != nil {
		return []Address{parseAddress(raw)}
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		out = append(out, Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// decodeCharset converts b from the named charset to UTF-8. Unknown
// charsets and mislabelled UTF-8 fall back to Latin-1, so the result is
// always valid UTF-8.
func decodeCharset(b []byte, charset string) string {
	charset = strings.ToLower(strings.TrimSpace(charset))
	switch charset {
	case "", "utf-8", "utf8", "us-ascii":
		return decodeUTF8(b)
	}
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil || enc == nil {
		return decodeUTF8(b)
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return decodeUTF8(b)
	}
	return validUTF8(string(out))
}

func decodeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	return string(out)
}

// validUTF8 replaces invalid byte sequences with U+FFFD.
func validUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// HTMLToText renders an HTML fragment as plain text. Script and style
// content is dropped and block elements become line breaks.
func HTMLToText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var buf bytes.Buffer
	skip := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseLines(buf.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Script, atom.Style, atom.Head:
				skip++
			case atom.Br, atom.P, atom.Div, atom.Li, atom.Tr, atom.H1, atom.H2, atom.H3, atom.H4, atom.Blockquote:
				buf.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Script, atom.Style, atom.Head:
				if skip > 0 {
					skip--
				}
			case atom.P, atom.Div, atom.Tr:
				buf.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				buf.Write(z.Text())
			}
		}
	}
}

func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func makePreview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= previewLimit {
		return s
	}
	r := []rune(s)
	return string(r[:previewLimit])
}
