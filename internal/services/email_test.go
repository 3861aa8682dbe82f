package services

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmailService_Send(t *testing.T) {
	svc := NewEmailService("smtp.example.com", "587", "mailer", "secret", "billing@example.com")

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	svc.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	require.NoError(t, svc.Send(context.Background(), "buyer@example.com", "Payment received", "Thanks"))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"buyer@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "From: billing@example.com\r\n")
	assert.Contains(t, gotMsg, "Subject: Payment received\r\n")
	assert.Contains(t, gotMsg, "\r\n\r\nThanks\r\n")
}

func TestEmailService_Errors(t *testing.T) {
	unconfigured := NewEmailService("", "", "", "", "")
	assert.False(t, unconfigured.Configured())
	assert.Error(t, unconfigured.Send(context.Background(), "a@example.com", "s", "b"))

	svc := NewEmailService("smtp.example.com", "587", "mailer", "secret", "billing@example.com")
	assert.Error(t, svc.SendEmail(nil, "s", "b"))

	boom := errors.New("421 service not available")
	svc.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error { return boom }
	assert.ErrorIs(t, svc.Send(context.Background(), "a@example.com", "s", "b"), boom)
}
