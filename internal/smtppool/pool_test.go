package smtppool

import (
	"testing"

	mail "github.com/go-mail/mail/v2"
	"github.com/stretchr/testify/assert"

	"github.com/softwell/mailproxy-core/internal/domain"
)

func TestDial_ImplicitTLSForPort465(t *testing.T) {
	useTLS := true
	account := &domain.Account{Host: "smtp.example.com", Port: 465, User: "u", Password: "p", UseTLS: &useTLS}

	d, err := dial(nil, account, keyFor(account))
	assert.NoError(t, err)
	assert.True(t, d.SSL)
	assert.NotNil(t, d.TLSConfig)
}

func TestDial_StartTLSForPort587(t *testing.T) {
	useTLS := true
	account := &domain.Account{Host: "smtp.example.com", Port: 587, User: "u", Password: "p", UseTLS: &useTLS}

	d, err := dial(nil, account, keyFor(account))
	assert.NoError(t, err)
	assert.False(t, d.SSL)
	assert.Equal(t, mail.MandatoryStartTLS, d.StartTLSPolicy)
}

func TestDial_PlaintextWhenTLSDisabled(t *testing.T) {
	noTLS := false
	account := &domain.Account{Host: "smtp.example.com", Port: 25, User: "u", Password: "p", UseTLS: &noTLS}

	d, err := dial(nil, account, keyFor(account))
	assert.NoError(t, err)
	assert.False(t, d.SSL)
	assert.Nil(t, d.TLSConfig)
}

func TestKeyFor_DistinguishesByCredentialsAndTLS(t *testing.T) {
	useTLS := true
	a1 := &domain.Account{Host: "h", Port: 587, User: "u1", Password: "p", UseTLS: &useTLS}
	a2 := &domain.Account{Host: "h", Port: 587, User: "u2", Password: "p", UseTLS: &useTLS}

	assert.NotEqual(t, keyFor(a1), keyFor(a2))
}

func TestTTLFor_DefaultsWhenUnset(t *testing.T) {
	account := &domain.Account{}
	assert.Equal(t, DefaultTTL, ttlFor(account))

	account.TTLSeconds = 60
	assert.Equal(t, int64(60), int64(ttlFor(account).Seconds()))
}
