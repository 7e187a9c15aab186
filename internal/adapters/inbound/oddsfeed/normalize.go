package oddsfeed

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/oddslab/steamwatch/internal/events"
)

// Alternate spellings seen on the wire, checked in order. The upstream
// mixes camelCase JSON with snake_case XML attributes and has legacy
// short forms for the value fields.
var (
	keysGameID    = []string{"gameId", "game_id", "gid"}
	keysBookmaker = []string{"bookmakerId", "bookmaker_id", "bookmaker", "bm"}
	keysOddsType  = []string{"oddsType", "odds_type", "type", "market"}
	keysOld       = []string{"oldValue", "old", "old_value"}
	keysNew       = []string{"newValue", "new", "new_value"}
	keysTimestamp = []string{"timestamp", "time", "ts"}
	keysVolume    = []string{"volume", "vol"}
	keysLeague    = []string{"league", "competition"}
	keysHomeTeam  = []string{"homeTeam", "home_team", "home"}
	keysAwayTeam  = []string{"awayTeam", "away_team", "away"}
	keysPlayerID  = []string{"playerId", "player_id"}
	keysPlayer    = []string{"playerName", "player_name", "player"}
	keysStatType  = []string{"statType", "stat_type", "stat"}
)

// FromJSON converts a decoded JSON object into a tick. The source tag
// records the decode path for the audit trail.
func FromJSON(obj map[string]any, source string) (events.Tick, error) {
	return fromFields(obj, source)
}

// FromXML converts an XML tick (attribute or element style) into a
// tick.
func FromXML(raw []byte, source string) (events.Tick, error) {
	fields, err := xmlFields(raw)
	if err != nil {
		return events.Tick{}, err
	}
	return fromFields(fields, source)
}

// fromFields is the shared normalization path. Defaults: gameId
// "unknown", timestamp now. A tick with oldValue zero cannot produce a
// velocity and is rejected here.
func fromFields(m map[string]any, source string) (events.Tick, error) {
	// Some upstream shapes nest teams and league one level down under
	// "market". Flatten without overwriting top-level fields.
	if sub, ok := m["market"].(map[string]any); ok {
		merged := make(map[string]any, len(m)+len(sub))
		for k, v := range m {
			merged[k] = v
		}
		for k, v := range sub {
			if _, dup := merged[k]; !dup {
				merged[k] = v
			}
		}
		m = merged
	}

	t := events.Tick{
		GameID:      getString(m, keysGameID...),
		BookmakerID: getString(m, keysBookmaker...),
		League:      CanonLeague(getString(m, keysLeague...)),
		HomeTeam:    getString(m, keysHomeTeam...),
		AwayTeam:    getString(m, keysAwayTeam...),
		Source:      source,
	}
	if t.GameID == "" {
		t.GameID = "unknown"
	}

	t.OddsType = CanonOddsType(getString(m, keysOddsType...))
	if t.OddsType == events.OddsPlayerProp {
		t.PlayerID = getString(m, keysPlayerID...)
		t.PlayerName = getString(m, keysPlayer...)
		t.StatType = getString(m, keysStatType...)
	}

	old, oldOK := getFloat(m, keysOld...)
	nw, newOK := getFloat(m, keysNew...)
	if !oldOK && !newOK {
		return events.Tick{}, fmt.Errorf("tick %s: no odds values", t.GameID)
	}
	if math.IsNaN(old) || math.IsInf(old, 0) || math.IsNaN(nw) || math.IsInf(nw, 0) {
		return events.Tick{}, fmt.Errorf("tick %s: non-finite odds", t.GameID)
	}
	if old == 0 {
		return events.Tick{}, fmt.Errorf("tick %s: zero old value", t.GameID)
	}
	t.OldValue = old
	t.NewValue = nw

	if v, ok := getFloat(m, keysVolume...); ok && v > 0 {
		t.Volume = v
	}

	ts, _ := getInt64(m, keysTimestamp...)
	switch {
	case ts == 0:
		t.Timestamp = time.Now().UnixMilli()
	case ts > 1e9 && ts < 1e12:
		// seconds on the wire
		t.Timestamp = ts * 1000
	default:
		t.Timestamp = ts
	}

	return t, nil
}

// xmlFields flattens one XML tick element into a field map: root
// attributes first, then one level of child elements, children
// winning on key collision.
func xmlFields(raw []byte) (map[string]any, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	fields := make(map[string]any)

	var root xml.StartElement
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse xml tick: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			root = se
			break
		}
	}
	for _, attr := range root.Attr {
		fields[attr.Name.Local] = attr.Value
	}

	depth := 0
	var childName string
	var childText strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				childName = t.Name.Local
				childText.Reset()
			}
		case xml.CharData:
			if depth == 1 {
				childText.Write(t)
			}
		case xml.EndElement:
			if depth == 1 && childName != "" {
				if v := strings.TrimSpace(childText.String()); v != "" {
					fields[childName] = v
				}
				childName = ""
			}
			depth--
		}
		if depth < 0 {
			break
		}
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("xml tick %s: no fields", root.Name.Local)
	}
	return fields, nil
}

// ── canonical tables ─────────────────────────────────────────────────

// League spellings collapse to fixed identifiers; anything not in the
// table passes through as provided.
var leagueAliases = map[string]string{
	"wncaab":                 "WNCAAB",
	"w ncaab":                "WNCAAB",
	"womens ncaab":           "WNCAAB",
	"ncaaw":                  "WNCAAB",
	"ncaa womens basketball": "WNCAAB",
	"nba":                    "NBA",
	"euroleague":             "EuroLeague",
	"euro league":            "EuroLeague",
}

// Market spellings collapse to the four odds types; unknown markets
// are treated as moneyline.
var oddsTypeAliases = map[string]events.OddsType{
	"moneyline":    events.OddsMoneyline,
	"money line":   events.OddsMoneyline,
	"ml":           events.OddsMoneyline,
	"h2h":          events.OddsMoneyline,
	"spread":       events.OddsSpread,
	"spreads":      events.OddsSpread,
	"point spread": events.OddsSpread,
	"handicap":     events.OddsSpread,
	"total":        events.OddsTotal,
	"totals":       events.OddsTotal,
	"over under":   events.OddsTotal,
	"ou":           events.OddsTotal,
	"player prop":  events.OddsPlayerProp,
	"player props": events.OddsPlayerProp,
	"playerprop":   events.OddsPlayerProp,
	"prop":         events.OddsPlayerProp,
	"props":        events.OddsPlayerProp,
}

func CanonLeague(s string) string {
	if s == "" {
		return ""
	}
	if canonical, ok := leagueAliases[canonKey(s)]; ok {
		return canonical
	}
	return s
}

func CanonOddsType(s string) events.OddsType {
	if t, ok := oddsTypeAliases[canonKey(s)]; ok {
		return t
	}
	return events.OddsMoneyline
}

// canonKey lowercases, strips diacritics and punctuation, and
// collapses whitespace so table lookups survive upstream formatting
// drift ("Money-Line", "money_line", "MONEYLINE").
func canonKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range norm.NFD.String(s) {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining accents
		case r == '\'' || r == '’':
			// apostrophes are intra-word ("Women's" -> "womens")
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ── field helpers ────────────────────────────────────────────────────

func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case json.Number:
				return s.String()
			case float64:
				return strconv.FormatFloat(s, 'f', -1, 64)
			}
		}
	}
	return ""
}

func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case int64:
			return float64(n), true
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func getInt64(m map[string]any, keys ...string) (int64, bool) {
	if f, ok := getFloat(m, keys...); ok {
		return int64(f), true
	}
	return 0, false
}

// ── wire rendering ───────────────────────────────────────────────────

// EncodeJSON renders a tick in the upstream JSON shape. Used by the
// feed mock and round-trip tests.
func EncodeJSON(t events.Tick) []byte {
	b, _ := json.Marshal(t)
	return b
}

type xmlTick struct {
	XMLName     xml.Name `xml:"tick"`
	GameID      string   `xml:"game_id,attr"`
	BookmakerID string   `xml:"bookmaker_id,attr"`
	OddsType    string   `xml:"odds_type,attr"`
	Old         float64  `xml:"old,attr"`
	New         float64  `xml:"new,attr"`
	Timestamp   int64    `xml:"timestamp,attr"`
	Volume      float64  `xml:"volume,attr,omitempty"`
	League      string   `xml:"league,attr,omitempty"`
	HomeTeam    string   `xml:"home_team,attr,omitempty"`
	AwayTeam    string   `xml:"away_team,attr,omitempty"`
	PlayerID    string   `xml:"player_id,attr,omitempty"`
	PlayerName  string   `xml:"player_name,attr,omitempty"`
	StatType    string   `xml:"stat_type,attr,omitempty"`
}

// EncodeXML renders a tick in the attribute-style XML shape.
func EncodeXML(t events.Tick) []byte {
	b, _ := xml.Marshal(xmlTick{
		GameID:      t.GameID,
		BookmakerID: t.BookmakerID,
		OddsType:    string(t.OddsType),
		Old:         t.OldValue,
		New:         t.NewValue,
		Timestamp:   t.Timestamp,
		Volume:      t.Volume,
		League:      t.League,
		HomeTeam:    t.HomeTeam,
		AwayTeam:    t.AwayTeam,
		PlayerID:    t.PlayerID,
		PlayerName:  t.PlayerName,
		StatType:    t.StatType,
	})
	return b
}
