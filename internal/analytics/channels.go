package analytics

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/funneld-io/funneld/internal/config"
)

// DefaultChannelConfigPath is the default location for the channel alias file.
const DefaultChannelConfigPath = ".funneld.yaml"

// ChannelConfigPathEnvVar overrides the channel alias file location.
const ChannelConfigPathEnvVar = "FUNNELD_CONFIG_PATH"

type (
	// ChannelAliases maps utm_source variants to canonical channel names so
	// attribution does not split credit between "google", "google-ads", and
	// "adwords". Lookups are case-insensitive.
	ChannelAliases struct {
		aliases map[string]string
	}

	// channelConfig is the YAML shape of the alias file.
	channelConfig struct {
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		ChannelAliases map[string]string `yaml:"channel_aliases"`
	}
)

// DefaultChannelAliases returns an empty alias map (passthrough behavior).
func DefaultChannelAliases() *ChannelAliases {
	return &ChannelAliases{aliases: map[string]string{}}
}

// ChannelConfigPath returns the configured alias file path.
func ChannelConfigPath() string {
	return config.GetEnvStr(ChannelConfigPathEnvVar, DefaultChannelConfigPath)
}

// LoadChannelAliases loads the alias map from a YAML file.
//
// Aliases are optional: a missing file, unreadable file, or invalid YAML all
// degrade to the empty map with a log line, never an error. The engine must
// start without a config file present.
func LoadChannelAliases(path string) *ChannelAliases {
	out := DefaultChannelAliases()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Channel alias file not found, continuing without aliases",
				slog.String("path", path))

			return out
		}

		slog.Warn("Failed to read channel alias file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return out
	}

	if len(data) == 0 {
		return out
	}

	var cfg channelConfig

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		slog.Warn("Failed to parse channel alias file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return out
	}

	for alias, canonical := range cfg.ChannelAliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		canonical = strings.TrimSpace(canonical)

		if alias == "" || canonical == "" {
			continue
		}

		out.aliases[alias] = canonical
	}

	if len(out.aliases) > 0 {
		slog.Info("Loaded channel aliases",
			slog.String("path", path),
			slog.Int("count", len(out.aliases)))
	}

	return out
}

// Canonical resolves a utm_source to its canonical channel name. Unknown
// sources pass through unchanged.
func (c *ChannelAliases) Canonical(source string) string {
	if source == "" {
		return ""
	}

	if canonical, ok := c.aliases[strings.ToLower(source)]; ok {
		return canonical
	}

	return source
}

// Count returns the number of configured aliases.
func (c *ChannelAliases) Count() int {
	return len(c.aliases)
}
