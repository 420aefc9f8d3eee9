package sender

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"github.com/jmehdipour/campaign-gateway/internal/config"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/util"
)

// EmailSender submits one message per recipient to an SMTP relay.
type EmailSender struct {
	addr       string
	host       string
	username   string
	password   string
	from       *mail.Address
	subject    string
	helloName  string
	timeout    time.Duration
	requireTLS bool
	tlsConfig  *tls.Config
	dkim       *dkim.SignOptions

	now func() time.Time
}

func NewEmailSender(c config.SMTPConfig) (*EmailSender, error) {
	if strings.TrimSpace(c.Host) == "" {
		return nil, errors.New("smtp.host: empty")
	}
	from, err := mail.ParseAddress(c.From)
	if err != nil {
		return nil, fmt.Errorf("smtp.from: %w", err)
	}
	port := c.Port
	if port <= 0 {
		port = 587
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hello := c.HelloName
	if hello == "" {
		hello = "localhost"
	}

	s := &EmailSender{
		addr:       net.JoinHostPort(c.Host, strconv.Itoa(port)),
		host:       c.Host,
		username:   c.Username,
		password:   c.Password,
		from:       from,
		subject:    c.Subject,
		helloName:  hello,
		timeout:    timeout,
		requireTLS: c.RequireTLS,
		tlsConfig:  &tls.Config{ServerName: c.Host, MinVersion: tls.VersionTLS12},
		now:        time.Now,
	}

	if c.DKIM.Domain != "" && c.DKIM.KeyFile != "" {
		key, err := loadPrivateKey(c.DKIM.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("dkim key: %w", err)
		}
		s.dkim = &dkim.SignOptions{
			Domain:                 c.DKIM.Domain,
			Selector:               c.DKIM.Selector,
			Signer:                 key,
			Hash:                   crypto.SHA256,
			HeaderCanonicalization: dkim.CanonicalizationRelaxed,
			BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		}
	}

	return s, nil
}

func (s *EmailSender) Send(ctx context.Context, recipient, content string) error {
	to, ok := util.NormalizeEmail(recipient)
	if !ok {
		return s.fail(recipient, "address", false, fmt.Errorf("invalid email address %q", recipient))
	}

	msg, err := s.build(to, content)
	if err != nil {
		return s.fail(to, "build", false, err)
	}
	if s.dkim != nil {
		var signed bytes.Buffer
		if err := dkim.Sign(&signed, bytes.NewReader(msg), s.dkim); err != nil {
			return s.fail(to, "dkim", false, err)
		}
		msg = signed.Bytes()
	}

	return s.submit(ctx, to, msg)
}

func (s *EmailSender) submit(ctx context.Context, to string, msg []byte) error {
	dialer := &net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return s.fail(to, "dial", true, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(s.helloName); err != nil {
		return s.classify(to, "HELO", err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(s.tlsConfig); err != nil {
			return s.classify(to, "STARTTLS", err)
		}
	} else if s.requireTLS {
		return s.fail(to, "STARTTLS", false, errors.New("relay does not offer STARTTLS"))
	}

	if s.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			return s.classify(to, "AUTH", err)
		}
	}

	if err := c.Mail(s.from.Address, nil); err != nil {
		return s.classify(to, "MAIL FROM", err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return s.classify(to, "RCPT TO", err)
	}

	wc, err := c.Data()
	if err != nil {
		return s.classify(to, "DATA", err)
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return s.fail(to, "DATA", true, err)
	}
	if err := wc.Close(); err != nil {
		return s.classify(to, "DATA", err)
	}

	_ = c.Quit()
	return nil
}

// build renders an RFC 5322 HTML message.
func (s *EmailSender) build(to, content string) ([]byte, error) {
	var body bytes.Buffer
	qp := quotedprintable.NewWriter(&body)
	if _, err := qp.Write([]byte(WrapHTML(content))); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}

	domain := s.from.Address[strings.LastIndexByte(s.from.Address, '@')+1:]

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", s.from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", s.subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@%s>\r\n", uuid.New().String(), domain)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")
	buf.Write(body.Bytes())

	return buf.Bytes(), nil
}

func (s *EmailSender) fail(to, op string, temporary bool, err error) *TransportError {
	return &TransportError{Channel: model.ChannelEmail, Recipient: to, Op: op, Temporary: temporary, Err: err}
}

// classify maps SMTP reply codes: 5xx is permanent, everything else temporary.
func (s *EmailSender) classify(to, op string, err error) *TransportError {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return s.fail(to, op, se.Code/100 != 5, err)
	}
	return s.fail(to, op, true, err)
}

func loadPrivateKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported key %T", key)
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported key type %s", block.Type)
	}
}
