// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"strings"
	"text/template"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mattermost-bridge/pkg/msgconv"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the Mattermost connector configuration.
type Config struct {
	ServerURL           string `yaml:"server_url"`
	DisplaynameTemplate string `yaml:"displayname_template"`
	// BotPrefix is a username prefix for echo prevention. Any Mattermost
	// username starting with this prefix is treated as a bridge-managed bot
	// and its posts are not relayed back to Matrix. Leave empty to disable
	// prefix-based filtering.
	BotPrefix string `yaml:"bot_prefix"`
	// AdminAPIAddr is the listen address of the admin HTTP API serving
	// /metrics. Empty disables it.
	AdminAPIAddr string `yaml:"admin_api_addr"`

	BackfillEnabled  bool `yaml:"backfill_enabled"`
	BackfillMaxCount int  `yaml:"backfill_max_count"`
	TypingTimeout    int  `yaml:"typing_timeout"`

	// MessageChunkSize is the maximum number of characters per bridged text
	// event. Longer messages are split on whitespace.
	MessageChunkSize int `yaml:"message_chunk_size"`
	// MaxFileSize is the largest Mattermost attachment in bytes that is
	// re-uploaded to Matrix. Bigger files are bridged as links. Zero means
	// no limit.
	MaxFileSize int64 `yaml:"max_file_size"`
	// RegisterCustomEmoji allows the bridge to create Mattermost custom
	// emoji for Matrix emoticons. Without it they are bridged as links.
	RegisterCustomEmoji bool `yaml:"register_custom_emoji"`
	// MentionFuzzyMatching rewrites loose @name references into mentions of
	// the best matching room member.
	MentionFuzzyMatching bool `yaml:"mention_fuzzy_matching"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username  string
	Nickname  string
	FirstName string
	LastName  string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

func (c *Config) PostProcess() error {
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	return err
}

// ChunkSize returns the configured chunk size or the default.
func (c *Config) ChunkSize() int {
	if c.MessageChunkSize <= 0 {
		return msgconv.DefaultChunkSize
	}
	return c.MessageChunkSize
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "server_url")
	helper.Copy(up.Str, "displayname_template")
	helper.Copy(up.Str, "bot_prefix")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.Bool, "backfill_enabled")
	helper.Copy(up.Int, "backfill_max_count")
	helper.Copy(up.Int, "typing_timeout")
	helper.Copy(up.Int, "message_chunk_size")
	helper.Copy(up.Int, "max_file_size")
	helper.Copy(up.Bool, "register_custom_emoji")
	helper.Copy(up.Bool, "mention_fuzzy_matching")
}

func (mc *MattermostConnector) GetConfig() (example string, data any, upgrader up.Upgrader) {
	return ExampleConfig, &mc.Config, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	}
}

// FormatDisplayname generates a display name from the template and params.
// The username is used when the template is unset, fails or renders blank.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Username
	}
	var buf strings.Builder
	if err := c.displaynameTemplate.Execute(&buf, params); err != nil {
		return params.Username
	}
	if strings.TrimSpace(buf.String()) == "" {
		return params.Username
	}
	return buf.String()
}
