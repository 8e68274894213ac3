package smtprelay

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"mailrelay/internal/domain"
)

// WriteMIME writes the full RFC 2822 message: headers, body part, and one
// part per materialized attachment. Attachments must be materialized first.
func WriteMIME(w io.Writer, msg domain.Message) error {
	contentType := "text/" + msg.ContentSubtype
	if msg.ContentSubtype == "" {
		contentType = "text/plain"
	}

	headers := []string{
		"From: " + msg.Sender,
		"To: " + strings.Join(msg.To, ", "),
		"Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject),
		"Date: " + time.Now().UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
	}
	if msg.ListUnsubscribe && msg.Campaign != "" {
		headers = append(headers, "List-Unsubscribe: <mailto:unsubscribe+"+msg.Campaign+"@"+senderDomain(msg.Sender)+">")
	}

	if len(msg.Attachments) == 0 {
		headers = append(headers,
			"Content-Type: "+contentType+`; charset="utf-8"`,
			"Content-Transfer-Encoding: 8bit",
		)
		if _, err := io.WriteString(w, strings.Join(headers, "\r\n")+"\r\n\r\n"); err != nil {
			return err
		}
		_, err := io.WriteString(w, msg.Body)
		return err
	}

	mw := multipart.NewWriter(w)
	headers = append(headers, `Content-Type: multipart/mixed; boundary="`+mw.Boundary()+`"`)
	if _, err := io.WriteString(w, strings.Join(headers, "\r\n")+"\r\n\r\n"); err != nil {
		return err
	}

	bodyHeader := textproto.MIMEHeader{}
	bodyHeader.Set("Content-Type", contentType+`; charset="utf-8"`)
	bodyHeader.Set("Content-Transfer-Encoding", "8bit")
	part, err := mw.CreatePart(bodyHeader)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(part, msg.Body); err != nil {
		return err
	}

	for _, att := range msg.Attachments {
		if !att.Materialized() {
			return fmt.Errorf("attachment %q not materialized", att.Filename)
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", att.MimeType)
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", `attachment; filename="`+att.Filename+`"`)
		h.Set("Content-ID", "<"+att.Filename+">")
		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if err := writeWrapped(part, att.Encoded); err != nil {
			return err
		}
	}
	return mw.Close()
}

// base64 lines folded at 76 columns per RFC 2045.
func writeWrapped(w io.Writer, encoded string) error {
	for len(encoded) > 76 {
		if _, err := io.WriteString(w, encoded[:76]+"\r\n"); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err := io.WriteString(w, encoded)
	return err
}

func senderDomain(addr string) string {
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		return addr[at+1:]
	}
	return addr
}
