package events

// OddsType is the market category of a tick. Unknown upstream values
// normalize to OddsMoneyline.
type OddsType string

const (
	OddsMoneyline  OddsType = "moneyline"
	OddsSpread     OddsType = "spread"
	OddsTotal      OddsType = "total"
	OddsPlayerProp OddsType = "player_prop"
)

// Tick is a single odds movement after normalization. Timestamps are
// Unix milliseconds. OldValue is always > 0 once a tick leaves the
// normalizer; zero-old ticks are dropped there.
type Tick struct {
	GameID      string   `json:"gameId"`
	BookmakerID string   `json:"bookmakerId"`
	OddsType    OddsType `json:"oddsType"`
	OldValue    float64  `json:"oldValue"`
	NewValue    float64  `json:"newValue"`
	Timestamp   int64    `json:"timestamp"`
	Volume      float64  `json:"volume,omitempty"`

	HomeTeam string `json:"homeTeam,omitempty"`
	AwayTeam string `json:"awayTeam,omitempty"`
	League   string `json:"league,omitempty"`

	// Player prop fields, empty for game markets.
	PlayerID   string `json:"playerId,omitempty"`
	PlayerName string `json:"playerName,omitempty"`
	StatType   string `json:"statType,omitempty"`

	// Source tags which decode path produced the tick ("xml",
	// "json", "deflate-json", ...) for the audit trail.
	Source string `json:"source,omitempty"`
}

// TickKey identifies the detection scope of a tick. Value equality
// makes it usable directly as a map key.
type TickKey struct {
	GameID      string
	BookmakerID string
	OddsType    OddsType
}

func (t Tick) Key() TickKey {
	return TickKey{GameID: t.GameID, BookmakerID: t.BookmakerID, OddsType: t.OddsType}
}

func (t Tick) IsPlayerProp() bool { return t.OddsType == OddsPlayerProp }

// SteamConfig is the per-league, per-market detection profile.
type SteamConfig struct {
	VelocityThreshold float64 `mapstructure:"velocity_threshold" json:"velocityThreshold"`
	TimeWindowMs      int64   `mapstructure:"time_window_ms" json:"timeWindowMs"`
	VolumeWeight      float64 `mapstructure:"volume_weight" json:"volumeWeight"`
	MinRapidChanges   int     `mapstructure:"min_rapid_changes" json:"minRapidChanges"`
}

// WindowSample is one retained movement inside a detection window.
type WindowSample struct {
	Timestamp   int64   `json:"timestamp"`
	BookmakerID string  `json:"bookmakerId"`
	Odds        float64 `json:"odds"`
	Velocity    float64 `json:"velocity"`
	Volume      float64 `json:"volume"`
}

type SteamType string

const (
	SteamLargeSingle SteamType = "LARGE_SINGLE"
	SteamMultiRapid  SteamType = "MULTI_RAPID"
)

// SteamEvent is emitted by the detector when a movement pattern fires.
// Window is a snapshot copied at emission; later detector activity
// never mutates it.
type SteamEvent struct {
	Type       SteamType      `json:"type"`
	Tick       Tick           `json:"tick"`
	Velocity   float64        `json:"velocity"`
	SteamIndex float64        `json:"steamIndex,omitempty"`
	Window     []WindowSample `json:"window"`
	Config     SteamConfig    `json:"config"`
}

// LineMovement is the absolute odds move of the triggering tick.
func (e SteamEvent) LineMovement() float64 {
	d := e.Tick.NewValue - e.Tick.OldValue
	if d < 0 {
		return -d
	}
	return d
}

// FeedStatusEvent signals stream connect/disconnect to subscribers.
type FeedStatusEvent struct {
	Group     string `json:"group"`
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
	CloseCode int    `json:"close_code,omitempty"`
}

// SessionPhaseEvent reports a lifecycle phase transition.
type SessionPhaseEvent struct {
	SessionID string  `json:"session_id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Tension   float64 `json:"tension"`
	Forecast  string  `json:"forecast,omitempty"`
}
