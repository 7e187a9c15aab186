// Package steam classifies normalized odds movements into steam
// events: single large moves and rapid clusters over per-key sliding
// windows.
package steam

import "github.com/oddslab/steamwatch/internal/events"

// DefaultConfig is the global fallback detection profile.
func DefaultConfig() events.SteamConfig {
	return events.SteamConfig{
		VelocityThreshold: 0.03,
		TimeWindowMs:      30_000,
		VolumeWeight:      1.0,
		MinRapidChanges:   3,
	}
}

type profileKey struct {
	League   string
	OddsType events.OddsType
}

// Profiles maps (league, oddsType) to a detection profile. Lookup
// falls back exact -> league default -> global default.
type Profiles struct {
	global   events.SteamConfig
	byLeague map[string]events.SteamConfig
	exact    map[profileKey]events.SteamConfig
}

func NewProfiles(global events.SteamConfig) *Profiles {
	if global == (events.SteamConfig{}) {
		global = DefaultConfig()
	}
	p := &Profiles{
		byLeague: make(map[string]events.SteamConfig),
		exact:    make(map[profileKey]events.SteamConfig),
	}
	p.global = p.sanitize(global, DefaultConfig())
	return p
}

// SetLeague installs a league-wide default profile.
func (p *Profiles) SetLeague(league string, cfg events.SteamConfig) {
	p.byLeague[league] = p.sanitize(cfg, p.global)
}

// SetMarket installs an exact (league, oddsType) profile.
func (p *Profiles) SetMarket(league string, ot events.OddsType, cfg events.SteamConfig) {
	p.exact[profileKey{League: league, OddsType: ot}] = p.sanitize(cfg, p.global)
}

// Resolve returns the profile for a tick's league and market.
func (p *Profiles) Resolve(league string, ot events.OddsType) events.SteamConfig {
	if cfg, ok := p.exact[profileKey{League: league, OddsType: ot}]; ok {
		return cfg
	}
	if cfg, ok := p.byLeague[league]; ok {
		return cfg
	}
	return p.global
}

// sanitize fills unset fields from the fallback and enforces
// minRapidChanges >= 2.
func (p *Profiles) sanitize(cfg, fallback events.SteamConfig) events.SteamConfig {
	if cfg.VelocityThreshold <= 0 {
		cfg.VelocityThreshold = fallback.VelocityThreshold
	}
	if cfg.TimeWindowMs <= 0 {
		cfg.TimeWindowMs = fallback.TimeWindowMs
	}
	if cfg.VolumeWeight < 0 {
		cfg.VolumeWeight = fallback.VolumeWeight
	}
	if cfg.MinRapidChanges == 0 {
		cfg.MinRapidChanges = fallback.MinRapidChanges
	}
	if cfg.MinRapidChanges < 2 {
		cfg.MinRapidChanges = 2
	}
	return cfg
}
