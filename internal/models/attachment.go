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

import "time"

// AttachmentKind is the purpose an attachment was uploaded for.
type AttachmentKind string

const (
	AttachmentKindMessageDocument AttachmentKind = "message_document"
	AttachmentKindAuthorityLogo   AttachmentKind = "authority_logo"
	AttachmentKindCaseDocument    AttachmentKind = "case_document"
)

// Attachment is the metadata of an uploaded file. The content itself lives in
// the attachment store, keyed by ID.
type Attachment struct {
	ID          string         `json:"id"`
	Kind        AttachmentKind `json:"kind"`
	Name        string         `json:"name"`
	ContentType string         `json:"contentType"`
	Size        int64          `json:"size"`
	Used        bool           `json:"used"`
	CreatedAt   time.Time      `json:"createdAt"`
}
