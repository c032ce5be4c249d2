// Package mail は招待メールの送信を提供する。
package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"gopkg.in/gomail.v2"
)

// InvitationMail は招待メールの内容。
type InvitationMail struct {
	To           string
	InviterName  string
	InviterEmail string
	URL          string
	ExpiresAt    time.Time
}

// Mailer は招待メールを送信する。
type Mailer interface {
	SendInvitation(ctx context.Context, m InvitationMail) error
}

// SMTPConfig はSMTPサーバーの接続設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// New はSMTPが設定されていればSMTPMailerを、なければLogMailerを返す。
func New(cfg SMTPConfig) Mailer {
	if cfg.Host == "" {
		return LogMailer{}
	}
	return NewSMTPMailer(cfg)
}

// SMTPMailer はgomailでSMTP送信するMailer。
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPMailer はSMTPMailerを生成する。Fromが空の場合はUsernameを差出人にする。
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   from,
	}
}

// SendInvitation は招待メールを送信する。
func (s *SMTPMailer) SendInvitation(ctx context.Context, m InvitationMail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := buildInvitationMessage(s.from, m)
	if err != nil {
		return err
	}
	if err := s.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send invitation mail: %w", err)
	}
	return nil
}

// LogMailer はメールを送信せずログに記録するMailer。SMTP未設定の開発環境で使う。
type LogMailer struct{}

// SendInvitation は招待URLをログに出力する。
func (LogMailer) SendInvitation(_ context.Context, m InvitationMail) error {
	slog.Info("smtp not configured, invitation mail not sent",
		slog.String("to", m.To),
		slog.String("url", m.URL),
	)
	return nil
}

var invitationHTML = template.Must(template.New("invitation").Parse(`<div style="font-family: sans-serif; max-width: 600px; margin: auto; padding: 20px;">
<h2>カレンダー共有への招待</h2>
<p>{{.InviterName}}（{{.InviterEmail}}）さんからカレンダー共有に招待されました。</p>
<p>以下のリンクから登録すると、お互いのカレンダーを閲覧できるようになります。</p>
<p><a href="{{.URL}}">招待を受け取る</a></p>
<p>このリンクの有効期限は {{.ExpiresAt.Format "2006-01-02 15:04 MST"}} です。</p>
</div>`))

func buildInvitationMessage(from string, m InvitationMail) (*gomail.Message, error) {
	var body bytes.Buffer
	if err := invitationHTML.Execute(&body, m); err != nil {
		return nil, fmt.Errorf("failed to render invitation mail: %w", err)
	}

	inviter := m.InviterName
	if inviter == "" {
		inviter = m.InviterEmail
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("To", m.To)
	msg.SetHeader("Subject", fmt.Sprintf("%sさんからカレンダー共有の招待が届いています", inviter))
	msg.SetBody("text/plain", fmt.Sprintf(
		"%sさんからカレンダー共有に招待されました。\n\n%s\n\n有効期限: %s\n",
		inviter, m.URL, m.ExpiresAt.Format("2006-01-02 15:04 MST"),
	))
	msg.AddAlternative("text/html", body.String())
	return msg, nil
}

var (
	_ Mailer = (*SMTPMailer)(nil)
	_ Mailer = LogMailer{}
)
