package telegram

import (
	"fmt"
	"html"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oddslab/steamwatch/internal/events"
)

// Severity orders alert urgency: INFO < WARNING < CRITICAL.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

func (s Severity) emoji() string {
	switch s {
	case SeverityWarning:
		return "⚠️"
	case SeverityCritical:
		return "🚨"
	default:
		return "ℹ️"
	}
}

func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return SeverityInfo, nil
	case "WARNING", "WARN":
		return SeverityWarning, nil
	case "CRITICAL", "CRIT":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", s)
}

// Alert is one dispatchable notification. Metadata values are
// user-controlled and get escaped at format time.
type Alert struct {
	Type      string
	Severity  Severity
	Title     string
	Message   string
	Metadata  map[string]string
	Timestamp time.Time
}

const matchLinkBase = "https://www.oddstrail.com/game/"

var nyTZ = loadNY()

func loadNY() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}

// formatHTML renders the Telegram message body. Every field that came
// from the wire passes through html escaping.
func formatHTML(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n", a.Severity.emoji(), html.EscapeString(a.Title))
	if a.Message != "" {
		b.WriteString(html.EscapeString(a.Message))
		b.WriteString("\n")
	}
	if len(a.Metadata) > 0 {
		keys := make([]string, 0, len(a.Metadata))
		for k := range a.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "<b>%s:</b> %s\n", html.EscapeString(k), html.EscapeString(a.Metadata[k]))
		}
	}
	fmt.Fprintf(&b, "\n<i>%s / %s UTC</i>",
		a.Timestamp.In(nyTZ).Format("15:04:05 MST"),
		a.Timestamp.UTC().Format("15:04:05"))
	if id := matchID(a.Metadata); id != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s%s\">Open match</a>", matchLinkBase, url.PathEscape(id))
	}
	return b.String()
}

func matchID(md map[string]string) string {
	if v := md["matchId"]; v != "" {
		return v
	}
	return md["gameId"]
}

// shouldPin marks steam alerts important enough to stay on top of the
// topic: a full-point line move or a high composite index.
func shouldPin(a Alert) bool {
	if lm, err := strconv.ParseFloat(a.Metadata["lineMovement"], 64); err == nil && math.Abs(lm) >= 1.0 {
		return true
	}
	if si, err := strconv.ParseFloat(a.Metadata["steamIndex"], 64); err == nil && si > 2.0 {
		return true
	}
	return false
}

// AlertFromSteam converts a detector emission into a STEAM_ALERTS
// notification.
func AlertFromSteam(ev events.SteamEvent) Alert {
	t := ev.Tick
	sev := SeverityWarning
	if ev.Type == events.SteamLargeSingle {
		sev = SeverityCritical
	}

	label := t.GameID
	if t.HomeTeam != "" && t.AwayTeam != "" {
		label = t.HomeTeam + " vs " + t.AwayTeam
	}
	if t.League != "" {
		label = t.League + " " + label
	}
	title := "Steam: " + label
	msg := fmt.Sprintf("%s %s moved %.2f -> %.2f (%.1f%% of the line)",
		t.BookmakerID, t.OddsType, t.OldValue, t.NewValue, ev.Velocity*100)

	md := map[string]string{
		"matchId":      t.GameID,
		"bookmakerId":  t.BookmakerID,
		"oddsType":     string(t.OddsType),
		"lineMovement": strconv.FormatFloat(ev.LineMovement(), 'f', 2, 64),
		"velocity":     fmt.Sprintf("%.2f%%", ev.Velocity*100),
	}
	if ev.SteamIndex > 0 {
		md["steamIndex"] = fmt.Sprintf("%.2f", ev.SteamIndex)
	}
	if t.League != "" {
		md["league"] = t.League
	}
	if t.IsPlayerProp() && t.PlayerName != "" {
		md["player"] = t.PlayerName + " " + t.StatType
	}

	return Alert{
		Type:      TypeSteam,
		Severity:  sev,
		Title:     title,
		Message:   msg,
		Metadata:  md,
		Timestamp: time.UnixMilli(t.Timestamp),
	}
}

// AlertFromTension converts a lifecycle tension spike into a
// SYSTEM_HEALTH notification.
func AlertFromTension(ph events.SessionPhaseEvent) Alert {
	return Alert{
		Type:     TypeHealth,
		Severity: SeverityWarning,
		Title:    "Session tension spike",
		Message: fmt.Sprintf("Session %s scored %.2f entering %s; forecast %s.",
			ph.SessionID, ph.Tension, ph.To, ph.Forecast),
		Metadata: map[string]string{
			"sessionId": ph.SessionID,
			"phase":     ph.To,
			"forecast":  ph.Forecast,
		},
	}
}

// AlertFromFeedStatus converts stream connect/disconnect into a
// CONNECTION notification.
func AlertFromFeedStatus(st events.FeedStatusEvent) Alert {
	if st.Connected {
		return Alert{
			Type:     TypeConnection,
			Severity: SeverityInfo,
			Title:    "Feed connected: " + st.Group,
			Message:  "Stream is live.",
		}
	}
	a := Alert{
		Type:     TypeConnection,
		Severity: SeverityWarning,
		Title:    "Feed disconnected: " + st.Group,
		Message:  st.Reason,
	}
	if st.CloseCode != 0 {
		a.Metadata = map[string]string{"closeCode": strconv.Itoa(st.CloseCode)}
	}
	return a
}
