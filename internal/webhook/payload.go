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

package webhook

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"strings"

	"github.com/Inclusion-Numerique/mediature/internal/models"
)

// payload is the inbound parse API body. Attachment contents are carried in
// top-level keys named by each part's ContentRef, so the raw object is kept
// alongside the typed view.
type payload struct {
	Sender    string                     `json:"Sender"`
	Recipient string                     `json:"Recipient"`
	From      string                     `json:"From"`
	Subject   string                     `json:"Subject"`
	Headers   map[string]json.RawMessage `json:"Headers"`
	Parts     []part                     `json:"Parts"`
	TextPart  string                     `json:"Text-part"`
	HTMLPart  string                     `json:"Html-part"`
}

type part struct {
	Headers    map[string]json.RawMessage `json:"Headers"`
	ContentRef string                     `json:"ContentRef"`
}

var wordDecoder = new(mime.WordDecoder)

// ParsePayload converts a parse API body into an inbound email.
func ParsePayload(body []byte) (*models.InboundEmail, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	from, err := parseFrom(p)
	if err != nil {
		return nil, err
	}

	email := &models.InboundEmail{
		MessageID: strings.TrimSpace(firstHeader(p.Headers, "Message-ID")),
		From:      from,
		To:        parseRecipients(p),
		Subject:   decodeWords(p.Subject),
		Text:      p.TextPart,
		HTML:      p.HTMLPart,
	}
	if email.Subject == "" {
		email.Subject = decodeWords(firstHeader(p.Headers, "Subject"))
	}
	if len(email.To) == 0 {
		return nil, errors.New("payload has no recipient")
	}

	for _, pt := range p.Parts {
		a, ok, err := parseAttachment(pt, raw)
		if err != nil {
			return nil, err
		}
		if ok {
			email.Attachments = append(email.Attachments, a)
		}
	}

	return email, nil
}

func parseFrom(p payload) (models.ContactInput, error) {
	for _, candidate := range []string{p.From, firstHeader(p.Headers, "From"), p.Sender} {
		if strings.TrimSpace(candidate) == "" {
			continue
		}
		addr, err := mail.ParseAddress(candidate)
		if err != nil {
			continue
		}
		return models.ContactInput{Email: addr.Address, Name: addr.Name}, nil
	}
	return models.ContactInput{}, errors.New("payload has no valid sender")
}

// parseRecipients reads the To header, which the provider sends either as a
// single string or as a list. The envelope recipient is appended when the
// headers do not mention it, as for a blind copy.
func parseRecipients(p payload) []models.ContactInput {
	var out []models.ContactInput
	seen := make(map[string]bool)
	add := func(addr *mail.Address) {
		key := strings.ToLower(addr.Address)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, models.ContactInput{Email: addr.Address, Name: addr.Name})
	}

	for _, value := range headerValues(lookupHeader(p.Headers, "To")) {
		list, err := mail.ParseAddressList(value)
		if err != nil {
			continue
		}
		for _, addr := range list {
			add(addr)
		}
	}

	if p.Recipient != "" {
		if addr, err := mail.ParseAddress(p.Recipient); err == nil {
			add(addr)
		}
	}
	return out
}

func parseAttachment(pt part, raw map[string]json.RawMessage) (models.InboundAttachment, bool, error) {
	ref := pt.ContentRef
	inline := strings.HasPrefix(ref, "InlineAttachment")
	if !inline && !strings.HasPrefix(ref, "Attachment") {
		return models.InboundAttachment{}, false, nil
	}

	var encoded string
	if err := json.Unmarshal(raw[ref], &encoded); err != nil {
		return models.InboundAttachment{}, false, fmt.Errorf("attachment %s: %w", ref, err)
	}
	content, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(encoded), ""))
	if err != nil {
		return models.InboundAttachment{}, false, fmt.Errorf("attachment %s: %w", ref, err)
	}

	a := models.InboundAttachment{
		Name:        ref,
		ContentType: "application/octet-stream",
		Inline:      inline,
		Content:     content,
	}

	if ct := firstHeader(pt.Headers, "Content-Type"); ct != "" {
		if mediaType, params, err := mime.ParseMediaType(ct); err == nil {
			a.ContentType = mediaType
			if name := params["name"]; name != "" {
				a.Name = decodeWords(name)
			}
		}
	}
	if cd := firstHeader(pt.Headers, "Content-Disposition"); cd != "" {
		if disposition, params, err := mime.ParseMediaType(cd); err == nil {
			if disposition == "inline" {
				a.Inline = true
			}
			if name := params["filename"]; name != "" {
				a.Name = decodeWords(name)
			}
		}
	}

	return a, true, nil
}

// lookupHeader finds a header regardless of its case.
func lookupHeader(headers map[string]json.RawMessage, name string) json.RawMessage {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

func firstHeader(headers map[string]json.RawMessage, name string) string {
	values := headerValues(lookupHeader(headers, name))
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// headerValues accepts a header sent as a string or a list of strings.
func headerValues(v json.RawMessage) []string {
	if len(v) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(v, &single); err == nil {
		return []string{single}
	}
	var list []string
	if err := json.Unmarshal(v, &list); err == nil {
		return list
	}
	return nil
}

func decodeWords(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
