package smtpmail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"

	"notifyd/internal/domain"
	"notifyd/internal/provider"
)

// Client sends email over SMTP with implicit TLS. SMTP gives no delivery
// receipts, so a send that the server accepts is terminal: status sent.
type Client struct {
	Host     string
	Port     string
	Username string
	Password string
	FromAddr string
}

func (c *Client) Identifier() string      { return "smtp" }
func (c *Client) Channel() domain.Channel { return domain.ChannelEmail }

func (c *Client) Send(ctx context.Context, in provider.SendInput) (provider.SendResult, error) {
	from := c.FromAddr
	if from == "" {
		from = c.Username
	}

	msg := []byte(
		fmt.Sprintf("From: %s\r\n", from) +
			fmt.Sprintf("To: %s\r\n", in.To) +
			fmt.Sprintf("Subject: %s\r\n", in.Subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=\"utf-8\"\r\n" +
			"\r\n" +
			in.Body,
	)

	addr := c.Host + ":" + c.Port
	dialer := &tls.Dialer{Config: &tls.Config{ServerName: c.Host}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return provider.SendResult{}, err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, c.Host)
	if err != nil {
		return provider.SendResult{}, err
	}
	defer client.Quit()

	if c.Username != "" {
		auth := smtp.PlainAuth("", c.Username, c.Password, c.Host)
		if err := client.Auth(auth); err != nil {
			return provider.SendResult{}, err
		}
	}

	if err := client.Mail(from); err != nil {
		return provider.SendResult{}, err
	}
	if err := client.Rcpt(in.To); err != nil {
		return provider.SendResult{}, err
	}
	w, err := client.Data()
	if err != nil {
		return provider.SendResult{}, err
	}
	if _, err := w.Write(msg); err != nil {
		return provider.SendResult{}, err
	}
	if err := w.Close(); err != nil {
		return provider.SendResult{}, err
	}

	return provider.SendResult{Reference: in.Reference, Status: domain.StatusSent}, nil
}
