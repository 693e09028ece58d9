package app

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbound-mail-webhooks-go/internal/config"
	"inbound-mail-webhooks-go/internal/webhook"
)

func TestConfigureLogging(t *testing.T) {
	t.Cleanup(func() {
		logrus.SetLevel(logrus.InfoLevel)
		logrus.SetFormatter(&logrus.JSONFormatter{})
	})

	require.NoError(t, ConfigureLogging(config.LoggingConfig{Level: "debug", Format: "text"}))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logrus.StandardLogger().Formatter)

	require.NoError(t, ConfigureLogging(config.LoggingConfig{Level: "warn", Format: "json"}))
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	assert.Error(t, ConfigureLogging(config.LoggingConfig{Level: "chatty"}))
}

func TestProviders(t *testing.T) {
	providers := Providers(config.WebhookConfig{Providers: map[string]config.ProviderConfig{
		"Mandrill": {},
		"custom":   {SignatureHeader: "X-Custom-Signature"},
	}})

	assert.Equal(t, webhook.Provider{Name: "mandrill", SignatureHeader: webhook.DefaultSignatureHeader}, providers["mandrill"])
	assert.Equal(t, "X-Custom-Signature", providers["custom"].SignatureHeader)
}
