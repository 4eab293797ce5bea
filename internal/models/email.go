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

package models

// InboundAttachment is a file carried by an inbound email.
type InboundAttachment struct {
	Name        string
	ContentType string
	Inline      bool
	Content     []byte
}

// InboundEmail is a parsed email received from the inbound provider, ready to
// be appended to a case.
type InboundEmail struct {
	MessageID   string
	From        ContactInput
	To          []ContactInput
	Subject     string
	Text        string
	HTML        string
	Attachments []InboundAttachment
}
