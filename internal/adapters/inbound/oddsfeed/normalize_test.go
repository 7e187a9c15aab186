package oddsfeed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddslab/steamwatch/internal/events"
)

func TestFromJSONNestedMarket(t *testing.T) {
	var obj map[string]any
	require.NoError(t, json.Unmarshal([]byte(
		`{"gameId":"G1","old":1.90,"new":1.85,"type":"moneyline","time":1700000001000,`+
			`"market":{"home":"A","away":"B","league":"NBA"},"bookmakerId":"BK1"}`), &obj))

	tick, err := FromJSON(obj, "deflate-json")
	require.NoError(t, err)
	assert.Equal(t, "G1", tick.GameID)
	assert.Equal(t, "BK1", tick.BookmakerID)
	assert.Equal(t, events.OddsMoneyline, tick.OddsType)
	assert.Equal(t, 1.90, tick.OldValue)
	assert.Equal(t, 1.85, tick.NewValue)
	assert.Equal(t, int64(1700000001000), tick.Timestamp)
	assert.Equal(t, "A", tick.HomeTeam)
	assert.Equal(t, "B", tick.AwayTeam)
	assert.Equal(t, "NBA", tick.League)
	assert.Equal(t, "deflate-json", tick.Source)
}

func TestFromJSONAlternateSpellings(t *testing.T) {
	obj := map[string]any{
		"game_id":   "G2",
		"bookmaker": "BK2",
		"oldValue":  2.0,
		"newValue":  1.7,
		"market":    "spread",
		"timestamp": float64(1700000002),
	}
	tick, err := FromJSON(obj, "json")
	require.NoError(t, err)
	assert.Equal(t, "G2", tick.GameID)
	assert.Equal(t, "BK2", tick.BookmakerID)
	assert.Equal(t, events.OddsSpread, tick.OddsType)
	assert.Equal(t, int64(1700000002000), tick.Timestamp, "second-resolution timestamps scale to millis")
}

func TestFromJSONDefaults(t *testing.T) {
	before := time.Now().UnixMilli()
	tick, err := FromJSON(map[string]any{"old": 1.5, "new": 1.6}, "json")
	require.NoError(t, err)
	assert.Equal(t, "unknown", tick.GameID)
	assert.Equal(t, events.OddsMoneyline, tick.OddsType)
	assert.GreaterOrEqual(t, tick.Timestamp, before)
	assert.LessOrEqual(t, tick.Timestamp, time.Now().UnixMilli())
}

func TestFromJSONZeroOldRejected(t *testing.T) {
	_, err := FromJSON(map[string]any{"gameId": "G1", "old": 0.0, "new": 1.5}, "json")
	assert.Error(t, err)

	_, err = FromJSON(map[string]any{"gameId": "G1", "new": 1.5}, "json")
	assert.Error(t, err, "missing old defaults to zero and is rejected")
}

func TestFromJSONNoValuesRejected(t *testing.T) {
	_, err := FromJSON(map[string]any{"gameId": "G1"}, "json")
	assert.Error(t, err)
}

func TestFromJSONPlayerProp(t *testing.T) {
	obj := map[string]any{
		"gameId":      "G5",
		"bookmakerId": "BK1",
		"type":        "player_prop",
		"old":         22.5,
		"new":         24.5,
		"playerId":    "P77",
		"playerName":  "L. Doe",
		"statType":    "points",
	}
	tick, err := FromJSON(obj, "json")
	require.NoError(t, err)
	assert.True(t, tick.IsPlayerProp())
	assert.Equal(t, "P77", tick.PlayerID)
	assert.Equal(t, "L. Doe", tick.PlayerName)
	assert.Equal(t, "points", tick.StatType)
}

func TestFromXMLAttributeStyle(t *testing.T) {
	raw := []byte(`<tick game_id="G3" bookmaker_id="BK1" odds_type="spread" old="2.0" new="1.7" timestamp="1700000005000" league="nba"/>`)
	tick, err := FromXML(raw, "xml")
	require.NoError(t, err)
	assert.Equal(t, "G3", tick.GameID)
	assert.Equal(t, events.OddsSpread, tick.OddsType)
	assert.Equal(t, 2.0, tick.OldValue)
	assert.Equal(t, 1.7, tick.NewValue)
	assert.Equal(t, int64(1700000005000), tick.Timestamp)
	assert.Equal(t, "NBA", tick.League)
}

func TestFromXMLElementStyle(t *testing.T) {
	raw := []byte(`<tick>
		<gameId>G4</gameId>
		<bookmakerId>BK9</bookmakerId>
		<old>1.5</old>
		<new>1.62</new>
		<oddsType>totals</oddsType>
	</tick>`)
	tick, err := FromXML(raw, "zlib-xml")
	require.NoError(t, err)
	assert.Equal(t, "G4", tick.GameID)
	assert.Equal(t, "BK9", tick.BookmakerID)
	assert.Equal(t, events.OddsTotal, tick.OddsType)
	assert.Equal(t, 1.5, tick.OldValue)
	assert.Equal(t, 1.62, tick.NewValue)
}

func TestFromXMLMalformed(t *testing.T) {
	_, err := FromXML([]byte(`<tick game_id=`), "xml")
	assert.Error(t, err)
}

func TestCanonOddsType(t *testing.T) {
	cases := map[string]events.OddsType{
		"Money-Line":   events.OddsMoneyline,
		"MONEYLINE":    events.OddsMoneyline,
		"h2h":          events.OddsMoneyline,
		"SPREADS":      events.OddsSpread,
		"point_spread": events.OddsSpread,
		"over/under":   events.OddsTotal,
		"Totals":       events.OddsTotal,
		"Player Props": events.OddsPlayerProp,
		"player_prop":  events.OddsPlayerProp,
		"exotic":       events.OddsMoneyline, // unknown falls back
		"":             events.OddsMoneyline,
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonOddsType(in), "input %q", in)
	}
}

func TestCanonLeague(t *testing.T) {
	assert.Equal(t, "EuroLeague", CanonLeague("EURO LEAGUE"))
	assert.Equal(t, "EuroLeague", CanonLeague("Euroléague"), "diacritics fold before lookup")
	assert.Equal(t, "WNCAAB", CanonLeague("Women's NCAAB"))
	assert.Equal(t, "NBA", CanonLeague("nba"))
	assert.Equal(t, "KBL", CanonLeague("KBL"), "unknown leagues pass through")
	assert.Equal(t, "", CanonLeague(""))
}

func TestRoundTripJSON(t *testing.T) {
	want := events.Tick{
		GameID:      "G10",
		BookmakerID: "BK3",
		OddsType:    events.OddsTotal,
		OldValue:    210.5,
		NewValue:    212,
		Timestamp:   1700000010000,
		Volume:      5400,
		HomeTeam:    "Lynx",
		AwayTeam:    "Aces",
		League:      "WNCAAB",
	}

	var obj map[string]any
	require.NoError(t, json.Unmarshal(EncodeJSON(want), &obj))
	got, err := FromJSON(obj, "json")
	require.NoError(t, err)

	want.Source = "json"
	assert.Equal(t, want, got)
}

func TestRoundTripXML(t *testing.T) {
	want := events.Tick{
		GameID:      "G11",
		BookmakerID: "BK4",
		OddsType:    events.OddsPlayerProp,
		OldValue:    22.5,
		NewValue:    23.5,
		Timestamp:   1700000011000,
		PlayerID:    "P9",
		PlayerName:  "A. Río",
		StatType:    "rebounds",
	}

	got, err := FromXML(EncodeXML(want), "xml")
	require.NoError(t, err)

	want.Source = "xml"
	assert.Equal(t, want, got)
}
