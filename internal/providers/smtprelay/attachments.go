package smtprelay

import (
	"encoding/base64"
	"mime"
	"path/filepath"

	"mailrelay/internal/domain"
)

const defaultAttachmentMimeType = "application/octet-stream"

// MergeInline appends inline attachments to the outgoing list, mirroring how
// the SMTP channel carries both kinds in one MIME tree.
func MergeInline(msg *domain.Message) {
	msg.Attachments = append(msg.Attachments, msg.InlineAttachments...)
	msg.InlineAttachments = nil
}

// Materialize converts raw attachments into wire-ready base64 bodies in
// place. Attachments that already carry an encoded body are left untouched,
// so running this again on a redelivered payload is a no-op.
func Materialize(atts []domain.Attachment) {
	for i := range atts {
		if atts[i].Materialized() {
			continue
		}
		if atts[i].MimeType == "" {
			atts[i].MimeType = guessMimeType(atts[i].Filename)
		}
		atts[i].Encoded = base64.StdEncoding.EncodeToString(atts[i].Content)
	}
}

func guessMimeType(filename string) string {
	if ext := filepath.Ext(filename); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			return mt
		}
	}
	return defaultAttachmentMimeType
}
