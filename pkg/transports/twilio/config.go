package twilio

import "strings"

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	MediaPath          string   `mapstructure:"media_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`

	// ForwardNumber, when set, makes /voice dial the agent after starting
	// the media stream so the guided call is bridged through.
	ForwardNumber  string   `mapstructure:"forward_number"`
	CallerID       string   `mapstructure:"caller_id"`
	FrameBuffer    int      `mapstructure:"frame_buffer"`
	CallBuffer     int      `mapstructure:"call_buffer"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.MediaPath == "" {
		c.MediaPath = "/media"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 512
	}
	if c.CallBuffer <= 0 {
		c.CallBuffer = 16
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// publicBase returns scheme://host for webhook urls handed to twilio.
func (c Config) publicBase(scheme string) string {
	if c.PublicURL != "" {
		return scheme + "://" + normalizePublicURL(c.PublicURL)
	}
	addr := c.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if scheme == "https" {
		scheme = "http"
	} else if scheme == "wss" {
		scheme = "ws"
	}
	return scheme + "://" + addr
}

func (c Config) voiceWebhookURL() string  { return c.publicBase("https") + c.VoicePath }
func (c Config) statusCallbackURL() string { return c.publicBase("https") + c.StatusCallbackPath }

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
