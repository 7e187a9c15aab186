package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/oddslab/steamwatch/internal/adapters/outbound/telegram"
	"github.com/oddslab/steamwatch/internal/core/steam"
	"github.com/oddslab/steamwatch/internal/events"
)

// Tables is the structured half of configuration: per-league steam
// profiles and the alert channel map, loaded from steamwatch.yaml.
// Leagues and channels are lists with explicit name fields so the
// names keep their case through viper.
type Tables struct {
	Steam    SteamTable     `mapstructure:"steam"`
	Channels []ChannelEntry `mapstructure:"channels"`
}

type SteamTable struct {
	Default events.SteamConfig `mapstructure:"default"`
	Leagues []LeagueSteam      `mapstructure:"leagues"`
}

// LeagueSteam overrides the default profile for one league, with
// optional per-market overrides keyed by odds type. Omitted numeric
// fields fall back to the default profile, except volume_weight where
// zero means the volume component is off.
type LeagueSteam struct {
	League            string        `mapstructure:"league"`
	VelocityThreshold float64       `mapstructure:"velocity_threshold"`
	TimeWindowMs      int64         `mapstructure:"time_window_ms"`
	VolumeWeight      float64       `mapstructure:"volume_weight"`
	MinRapidChanges   int           `mapstructure:"min_rapid_changes"`
	Markets           []MarketSteam `mapstructure:"markets"`
}

type MarketSteam struct {
	OddsType          string  `mapstructure:"odds_type"`
	VelocityThreshold float64 `mapstructure:"velocity_threshold"`
	TimeWindowMs      int64   `mapstructure:"time_window_ms"`
	VolumeWeight      float64 `mapstructure:"volume_weight"`
	MinRapidChanges   int     `mapstructure:"min_rapid_changes"`
}

type ChannelEntry struct {
	Name          string        `mapstructure:"name"`
	TopicID       int64         `mapstructure:"topic_id"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
	SeverityFloor string        `mapstructure:"severity_floor"`
}

func (l LeagueSteam) profile() events.SteamConfig {
	return events.SteamConfig{
		VelocityThreshold: l.VelocityThreshold,
		TimeWindowMs:      l.TimeWindowMs,
		VolumeWeight:      l.VolumeWeight,
		MinRapidChanges:   l.MinRapidChanges,
	}
}

func (m MarketSteam) profile() events.SteamConfig {
	return events.SteamConfig{
		VelocityThreshold: m.VelocityThreshold,
		TimeWindowMs:      m.TimeWindowMs,
		VolumeWeight:      m.VolumeWeight,
		MinRapidChanges:   m.MinRapidChanges,
	}
}

// LoadTables reads the YAML table file. STEAMWATCH_* environment
// variables override file values, and topic ids additionally accept
// flat STEAMWATCH_TOPIC_<CHANNEL> overrides for deploys that keep
// topic numbers out of the file.
func LoadTables(path string) (*Tables, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("STEAMWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read tables: %w", err)
	}

	var t Tables
	if err := v.Unmarshal(&t); err != nil {
		return nil, fmt.Errorf("parse tables: %w", err)
	}

	for i, e := range t.Channels {
		if raw := os.Getenv("STEAMWATCH_TOPIC_" + e.Name); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				t.Channels[i].TopicID = id
			}
		}
	}
	return &t, nil
}

// Profiles materializes the steam table into the detector's resolver.
func (t *Tables) Profiles() *steam.Profiles {
	p := steam.NewProfiles(t.Steam.Default)
	for _, l := range t.Steam.Leagues {
		p.SetLeague(l.League, l.profile())
		for _, m := range l.Markets {
			p.SetMarket(l.League, events.OddsType(strings.ToLower(strings.TrimSpace(m.OddsType))), m.profile())
		}
	}
	return p
}

// AlertChannels materializes the channel table for the dispatcher.
func (t *Tables) AlertChannels() ([]telegram.Channel, error) {
	out := make([]telegram.Channel, 0, len(t.Channels))
	for _, e := range t.Channels {
		floor, err := telegram.ParseSeverity(e.SeverityFloor)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", e.Name, err)
		}
		out = append(out, telegram.Channel{
			Name:          e.Name,
			TopicID:       e.TopicID,
			Cooldown:      e.Cooldown,
			SeverityFloor: floor,
		})
	}
	return out, nil
}

var knownOddsTypes = map[string]struct{}{
	string(events.OddsMoneyline):  {},
	string(events.OddsSpread):     {},
	string(events.OddsTotal):      {},
	string(events.OddsPlayerProp): {},
}

var knownChannels = map[string]struct{}{
	telegram.TypeSteam:       {},
	telegram.TypePerformance: {},
	telegram.TypeHealth:      {},
	telegram.TypeConnection:  {},
}

// Validate checks the table for typos and incomplete channels. Topic id
// checks are skipped when requireTopics is false (Telegram disabled).
func (t *Tables) Validate(requireTopics bool) error {
	if t.Steam.Default.VelocityThreshold < 0 {
		return fmt.Errorf("steam.default.velocity_threshold must be >= 0")
	}
	for _, l := range t.Steam.Leagues {
		if strings.TrimSpace(l.League) == "" {
			return fmt.Errorf("steam.leagues: league name is required")
		}
		for _, m := range l.Markets {
			ot := strings.ToLower(strings.TrimSpace(m.OddsType))
			if _, ok := knownOddsTypes[ot]; !ok {
				return fmt.Errorf("steam.leagues[%s].markets[%s]: unknown odds type", l.League, m.OddsType)
			}
		}
	}

	seen := make(map[string]struct{}, len(t.Channels))
	for _, e := range t.Channels {
		if _, ok := knownChannels[e.Name]; !ok {
			return fmt.Errorf("channels[%s]: unknown channel name", e.Name)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("channels[%s]: duplicate entry", e.Name)
		}
		seen[e.Name] = struct{}{}
		if e.Cooldown < 0 {
			return fmt.Errorf("channels[%s]: cooldown must be >= 0", e.Name)
		}
		if _, err := telegram.ParseSeverity(e.SeverityFloor); err != nil {
			return fmt.Errorf("channels[%s]: %w", e.Name, err)
		}
		if requireTopics && e.TopicID <= 0 {
			return fmt.Errorf("channels[%s]: topic_id is required (set STEAMWATCH_TOPIC_%s)", e.Name, e.Name)
		}
	}
	for name := range knownChannels {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("channels: missing entry for %s", name)
		}
	}
	return nil
}
