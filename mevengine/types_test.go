package mevengine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStrategyKindRoundTrip(t *testing.T) {
	for _, kind := range Strategies() {
		parsed, err := ParseStrategyKind(kind.String())
		require.NoError(t, err)
		require.Equal(t, kind, parsed)

		data, err := json.Marshal(kind)
		require.NoError(t, err)
		var back StrategyKind
		require.NoError(t, json.Unmarshal(data, &back))
		require.Equal(t, kind, back)
	}

	_, err := ParseStrategyKind("frontrun")
	require.ErrorIs(t, err, ErrUnknownStrategy)

	var kind StrategyKind
	require.Error(t, json.Unmarshal([]byte(`"nope"`), &kind))
}

func TestStrategiesPriorityOrder(t *testing.T) {
	require.Equal(t, []StrategyKind{StrategyLiquidation, StrategySandwich, StrategyArbitrage, StrategyBackrun}, Strategies())

	// callers must not be able to corrupt the order
	s := Strategies()
	s[0] = StrategyBackrun
	require.Equal(t, StrategyLiquidation, Strategies()[0])
}

func TestOpportunityStatusTransitions(t *testing.T) {
	cases := []struct {
		from OpportunityStatus
		to   OpportunityStatus
		ok   bool
	}{
		{StatusDetected, StatusSimulated, true},
		{StatusDetected, StatusAccepted, false},
		{StatusSimulated, StatusAccepted, true},
		{StatusSimulated, StatusRejected, true},
		{StatusSimulated, StatusSubmitted, false},
		{StatusAccepted, StatusSubmitted, true},
		{StatusAccepted, StatusSettled, false},
		{StatusSubmitted, StatusSettled, true},
		{StatusSubmitted, StatusDetected, false},
		// failure is reachable from every live state
		{StatusDetected, StatusFailed, true},
		{StatusSimulated, StatusFailed, true},
		{StatusAccepted, StatusFailed, true},
		{StatusSubmitted, StatusFailed, true},
		// terminal states never move
		{StatusRejected, StatusFailed, false},
		{StatusSettled, StatusFailed, false},
		{StatusFailed, StatusDetected, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestOpportunityStatusTerminal(t *testing.T) {
	require.True(t, StatusRejected.Terminal())
	require.True(t, StatusSettled.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.False(t, StatusDetected.Terminal())
	require.False(t, StatusSubmitted.Terminal())
}

func TestOpportunitySetStatus(t *testing.T) {
	opp := &Opportunity{Status: StatusDetected}
	require.NoError(t, opp.SetStatus(StatusSimulated))
	require.NoError(t, opp.SetStatus(StatusAccepted))

	err := opp.SetStatus(StatusSettled)
	require.ErrorIs(t, err, ErrInvalidStatusChange)
	require.Equal(t, StatusAccepted, opp.Status)
}

func TestOpportunityStatusJSON(t *testing.T) {
	data, err := json.Marshal(StatusAccepted)
	require.NoError(t, err)
	require.JSONEq(t, `"accepted"`, string(data))

	var status OpportunityStatus
	require.NoError(t, json.Unmarshal([]byte(`"settled"`), &status))
	require.Equal(t, StatusSettled, status)

	require.Error(t, json.Unmarshal([]byte(`"nope"`), &status))
}

func TestBotConfigValidate(t *testing.T) {
	valid := DefaultBotConfig(StrategySandwich)
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*BotConfig)
	}{
		{"negative min profit", func(c *BotConfig) { c.MinProfitUSD = -1 }},
		{"zero gas cap", func(c *BotConfig) { c.MaxGasPriceGwei = 0 }},
		{"negative slippage", func(c *BotConfig) { c.SlippageTolerance = -0.1 }},
		{"slippage above 100", func(c *BotConfig) { c.SlippageTolerance = 101 }},
		{"zero position size", func(c *BotConfig) { c.MaxPositionSizeMon = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultBotConfig(StrategySandwich)
			tc.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidBotConfig)
		})
	}
}

func TestDefaultBotConfigThresholds(t *testing.T) {
	require.InDelta(t, 100, DefaultBotConfig(StrategyLiquidation).MinProfitUSD, 0)
	require.InDelta(t, 50, DefaultBotConfig(StrategySandwich).MinProfitUSD, 0)
	require.InDelta(t, 20, DefaultBotConfig(StrategyArbitrage).MinProfitUSD, 0)
	require.InDelta(t, 10, DefaultBotConfig(StrategyBackrun).MinProfitUSD, 0)
	for _, kind := range Strategies() {
		cfg := DefaultBotConfig(kind)
		require.True(t, cfg.Enabled)
		require.NoError(t, cfg.Validate())
	}
}
