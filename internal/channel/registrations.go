package channel

import (
	"time"

	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
)

// Setting keys understood by the built-in registrations.
const (
	SettingChatAccessToken = "channel_access_token"
	SettingChatAPIURL      = "api_url"
	SettingAPIKey          = "api_key"
	SettingWebhookURL      = "webhook_url"
)

// ChatRegistration registers the LINE push channel.
func ChatRegistration(maxRequests int, window, timeout time.Duration) Registration {
	return Registration{
		Type:             domain.ChannelChat,
		RequiredSettings: []string{SettingChatAccessToken},
		MaxRequests:      maxRequests,
		Window:           window,
		Build: func(settings Settings, limiter ratelimit.Limiter) (Channel, error) {
			return NewChatChannel(ChatConfig{
				AccessToken: settings[SettingChatAccessToken],
				APIURL:      settings[SettingChatAPIURL],
				Timeout:     timeout,
			}, limiter)
		},
	}
}

// WebhookRegistration registers an SMS or email relay channel.
func WebhookRegistration(channelType domain.ChannelType, maxRequests int, window, timeout time.Duration) Registration {
	return Registration{
		Type:             channelType,
		RequiredSettings: []string{SettingAPIKey, SettingWebhookURL},
		MaxRequests:      maxRequests,
		Window:           window,
		Build: func(settings Settings, limiter ratelimit.Limiter) (Channel, error) {
			return NewWebhookChannel(WebhookConfig{
				Channel:  channelType,
				Endpoint: settings[SettingWebhookURL],
				APIKey:   settings[SettingAPIKey],
				Timeout:  timeout,
			}, limiter)
		},
	}
}
