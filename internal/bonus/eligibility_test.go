package bonus

import (
	"errors"
	"testing"
	"time"

	"bonus_ledger/internal/apperr"
	"bonus_ledger/internal/catalog"
	"bonus_ledger/internal/player"

	"github.com/stretchr/testify/assert"
)

var evalTime = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func depositDefinition() *catalog.Definition {
	return &catalog.Definition{
		DefinitionID:       "def-1",
		TriggerType:        catalog.TriggerOnDeposit,
		RewardType:         catalog.RewardFixed,
		Amount:             dec("20"),
		WageringMultiplier: 5,
		MinDeposit:         dec("10"),
		Active:             true,
		EligibleCountries:  catalog.Countries{"DE"},
		UserSegment:        catalog.SegmentAll,
	}
}

func regular() *player.Player {
	return &player.Player{
		PlayerID:     "p-1",
		Country:      "DE",
		Segment:      "regular",
		RegisteredAt: evalTime.AddDate(-1, 0, 0),
	}
}

func TestEligibility(t *testing.T) {
	birthday := evalTime.AddDate(-30, 0, 0)

	cases := []struct {
		name    string
		mutate  func(d *catalog.Definition, p *player.Player)
		source  GrantSource
		base    string
		allowed bool
	}{
		{"qualifying deposit", nil, SourceTrigger, "25", true},
		{"deposit below minimum", nil, SourceTrigger, "9.99", false},
		{"operator ignores minimum", nil, SourceManual, "0", true},
		{"inactive", func(d *catalog.Definition, _ *player.Player) { d.Active = false }, SourceManual, "25", false},
		{"wrong country", func(_ *catalog.Definition, p *player.Player) { p.Country = "FR" }, SourceTrigger, "25", false},
		{"window closed", func(d *catalog.Definition, _ *player.Player) {
			until := evalTime.Add(-time.Hour)
			d.ValidUntil = &until
		}, SourceManual, "25", false},
		{"vip only", func(d *catalog.Definition, _ *player.Player) { d.UserSegment = catalog.SegmentVIP }, SourceTrigger, "25", false},
		{"vip player", func(d *catalog.Definition, p *player.Player) {
			d.UserSegment = catalog.SegmentVIP
			p.Segment = "VIP"
		}, SourceTrigger, "25", true},
		{"new players only", func(d *catalog.Definition, _ *player.Player) { d.UserSegment = catalog.SegmentNew }, SourceTrigger, "25", false},
		{"recently registered", func(d *catalog.Definition, p *player.Player) {
			d.UserSegment = catalog.SegmentNew
			p.RegisteredAt = evalTime.AddDate(0, 0, -3)
		}, SourceTrigger, "25", true},
		{"not birthday", func(d *catalog.Definition, _ *player.Player) { d.TriggerType = catalog.TriggerOnBirthday }, SourceTrigger, "0", false},
		{"birthday", func(d *catalog.Definition, p *player.Player) {
			d.TriggerType = catalog.TriggerOnBirthday
			p.BirthDate = &birthday
		}, SourceTrigger, "0", true},
		{"manual definition via trigger", func(d *catalog.Definition, _ *player.Player) { d.TriggerType = catalog.TriggerManual }, SourceTrigger, "0", false},
		{"manual definition via code", func(d *catalog.Definition, _ *player.Player) { d.TriggerType = catalog.TriggerManual }, SourceClaim, "0", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def, p := depositDefinition(), regular()
			if tc.mutate != nil {
				tc.mutate(def, p)
			}
			err := checkEligibility(def, p, tc.source, dec(tc.base), evalTime)
			if tc.allowed {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, apperr.ErrEligibilityDenied), "got %v", err)
		})
	}
}
