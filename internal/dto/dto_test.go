package dto

import (
	"testing"

	"example.com/backstage/services/orchestrator/internal/models"

	"github.com/stretchr/testify/require"
)

func TestUserPreferenceDataAllowsChannel(t *testing.T) {
	prefs := UserPreferenceData{EmailOptIn: true, PushOptIn: false}

	require.True(t, prefs.AllowsChannel(models.ChannelEmail))
	require.False(t, prefs.AllowsChannel(models.ChannelPush))
	require.False(t, prefs.AllowsChannel(models.Channel("sms")))
}

func TestTemplateDataSupportsChannel(t *testing.T) {
	tpl := TemplateData{Channel: []string{"email", "push"}}

	require.True(t, tpl.SupportsChannel(models.ChannelEmail))
	require.True(t, tpl.SupportsChannel(models.ChannelPush))
	require.False(t, tpl.SupportsChannel(models.Channel("sms")))
}

func TestTemplateDataLatestVersion(t *testing.T) {
	tpl := TemplateData{Versions: []TemplateVersion{
		{Version: 1, Subject: "old"},
		{Version: 3, Subject: "newest"},
		{Version: 2, Subject: "middle"},
	}}

	latest, ok := tpl.LatestVersion()
	require.True(t, ok)
	require.Equal(t, 3, latest.Version)
	require.Equal(t, "newest", latest.Subject)
}

func TestTemplateDataLatestVersionOnEmptyReportsNotFound(t *testing.T) {
	tpl := TemplateData{}
	_, ok := tpl.LatestVersion()
	require.False(t, ok)
}
