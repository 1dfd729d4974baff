package alerting

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/aamitn/radixiot/internal/domain"
)

// SMTPMailer delivers temperature alerts over SMTP with STARTTLS.
type SMTPMailer struct{}

var _ Notifier = SMTPMailer{}

// SendTemperatureAlert formats and sends one alert e-mail.
func (SMTPMailer) SendTemperatureAlert(_ context.Context, decision domain.AlertDecision, settings domain.EmailSettings) error {
	m := decision.Measurement
	var body strings.Builder
	body.WriteString("Temperature Alert\r\n\r\n")
	fmt.Fprintf(&body, "Channel: %s\r\n", decision.Channel)
	fmt.Fprintf(&body, "Current Temperature: %g°C\r\n", decision.Temperature)
	fmt.Fprintf(&body, "Threshold: %g°C\r\n", decision.Threshold)
	fmt.Fprintf(&body, "Device ID: %s\r\n", m.DeviceID)
	fmt.Fprintf(&body, "Timestamp: %s\r\n", time.Unix(int64(m.Timestamp), 0).UTC().Format(time.RFC3339))
	body.WriteString("\r\nAll Channel Temperatures:\r\n")
	for i, channel := range m.Channels {
		if i < len(m.Temperatures) {
			fmt.Fprintf(&body, "%s: %g°C\r\n", channel, m.Temperatures[i])
		}
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", settings.FromEmail)
	fmt.Fprintf(&msg, "To: %s\r\n", settings.ToEmail)
	fmt.Fprintf(&msg, "Subject: Temperature Alert: %s exceeded threshold\r\n", decision.Channel)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body.String())

	addr := net.JoinHostPort(settings.SMTPServer, strconv.Itoa(settings.SMTPPort))
	auth := smtp.PlainAuth("", settings.Username, settings.Password, settings.SMTPServer)
	return smtp.SendMail(addr, auth, settings.FromEmail, []string{settings.ToEmail}, []byte(msg.String()))
}
