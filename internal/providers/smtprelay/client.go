package smtprelay

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"

	"mailrelay/internal/domain"
)

// Client delivers a message over one SMTP backend. Connection parameters come
// from the backend config; nothing is shared between attempts.
type Client struct{}

// Send dials the backend, writes the MIME message and quits. The context
// bounds the dial; SMTP command exchange inherits the connection deadline.
func (c *Client) Send(ctx context.Context, backend domain.BackendConfig, msg domain.Message) error {
	if backend.Host == "" || backend.Port == 0 {
		return &domain.ConfigurationError{Reason: "smtp backend has no host/port"}
	}

	addr := net.JoinHostPort(backend.Host, strconv.Itoa(backend.Port))
	dialer := &net.Dialer{}

	var (
		conn net.Conn
		err  error
	)
	if backend.UseSSL {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: backend.Host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, backend.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if backend.UseTLS && !backend.UseSSL {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: backend.Host}); err != nil {
				return err
			}
		}
	}

	if backend.Username != "" {
		auth := smtp.PlainAuth("", backend.Username, backend.Password, backend.Host)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(msg.Sender); err != nil {
		return err
	}
	for _, rcpt := range msg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if err := WriteMIME(w, msg); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
