package bonus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bonus_ledger/internal/apperr"
	"bonus_ledger/internal/catalog"
	"bonus_ledger/internal/database/dbtest"
	"bonus_ledger/internal/player"
	"bonus_ledger/internal/reconciler"
	"bonus_ledger/internal/wallet"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	catalog *catalog.Service
	wallets *wallet.RepositoryImpl
	bonuses *Service
}

func setupBonusTest(t *testing.T) *fixture {
	db := dbtest.Setup(t)
	logger := zerolog.Nop()
	wallets := wallet.NewRepository(db, "USD")
	catalogSvc := catalog.NewService(db, logger)
	svc := NewService(db, catalogSvc, player.NewRepository(db), reconciler.New(wallets, logger), logger)
	return &fixture{db: db, catalog: catalogSvc, wallets: wallets, bonuses: svc}
}

func (f *fixture) player(t *testing.T, country, segment string) string {
	t.Helper()
	p := player.Player{
		PlayerID:     uuid.New().String(),
		Country:      country,
		Segment:      segment,
		RegisteredAt: time.Now().UTC().AddDate(-1, 0, 0),
	}
	require.NoError(t, f.db.Create(&p).Error)
	return p.PlayerID
}

func (f *fixture) definition(t *testing.T, in catalog.DefinitionInput) *catalog.Definition {
	t.Helper()
	if in.Name == "" {
		in.Name = "Test bonus"
	}
	if in.TriggerType == "" {
		in.TriggerType = catalog.TriggerManual
	}
	if in.RewardType == "" {
		in.RewardType = catalog.RewardFixed
	}
	def, err := f.catalog.Create(context.Background(), in)
	require.NoError(t, err)
	return def
}

func (f *fixture) balances(t *testing.T, playerID string) *wallet.Balances {
	t.Helper()
	b, err := f.wallets.GetBalances(context.Background(), playerID)
	require.NoError(t, err)
	return b
}

func (f *fixture) advance(t *testing.T, instanceID, betID, amount string) *AdvanceResult {
	t.Helper()
	res, err := f.bonuses.Advance(context.Background(), AdvanceRequest{
		InstanceID:   instanceID,
		BetID:        betID,
		GameID:       "slots",
		BetAmount:    dec(amount),
		Percent:      dec("100"),
		Contribution: dec(amount),
	})
	require.NoError(t, err)
	return res
}

// assertConserved checks that what the ledger attributes to a player's only
// bonus matches the bonus wallet, which no other movement has touched.
func assertConserved(t *testing.T, f *fixture, playerID, instanceID string) {
	t.Helper()
	attr, err := f.bonuses.Attribution(context.Background(), instanceID)
	require.NoError(t, err)
	bal := f.balances(t, playerID)
	assert.True(t, attr.Remaining.Equal(bal.Bonus), "attributed %s, bonus wallet %s", attr.Remaining, bal.Bonus)
	assert.False(t, attr.Remaining.IsNegative())
}

func TestGrantCreditsBonusWallet(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	playerID := f.player(t, "DE", "regular")
	def := f.definition(t, catalog.DefinitionInput{Amount: dec("50"), WageringMultiplier: 10, ExpiryDays: 7})

	b, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: def.DefinitionID, Source: SourceManual})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, b.Status)
	assert.True(t, b.BonusAmount.Equal(dec("50")))
	assert.True(t, b.WageringRequired.Equal(dec("500")))
	assert.True(t, b.WageringCompleted.IsZero())
	require.NotNil(t, b.ExpiresAt)
	assert.WithinDuration(t, b.ClaimedAt.AddDate(0, 0, 7), *b.ExpiresAt, time.Second)

	bal := f.balances(t, playerID)
	assert.True(t, bal.Bonus.Equal(dec("50")))
	assert.True(t, bal.Real.IsZero())
	assertConserved(t, f, playerID, b.PlayerBonusID)
}

func TestWageringScenarioCompletesAndConverts(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	playerID := f.player(t, "DE", "regular")
	def := f.definition(t, catalog.DefinitionInput{Amount: dec("50"), WageringMultiplier: 10})

	b, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: def.DefinitionID, Source: SourceManual})
	require.NoError(t, err)

	res := f.advance(t, b.PlayerBonusID, "bet-1", "100")
	assert.True(t, res.Applied)
	assert.False(t, res.Completed)
	assert.True(t, res.Instance.WageringCompleted.Equal(dec("100")))

	res = f.advance(t, b.PlayerBonusID, "bet-2", "400")
	assert.True(t, res.Completed)
	assert.Equal(t, StatusCompleted, res.Instance.Status)
	require.NotNil(t, res.Instance.EndedAt)

	bal := f.balances(t, playerID)
	assert.True(t, bal.Bonus.IsZero())
	assert.True(t, bal.Real.Equal(dec("50")))
	assertConserved(t, f, playerID, b.PlayerBonusID)

	_, err = f.bonuses.Advance(ctx, AdvanceRequest{InstanceID: b.PlayerBonusID, BetID: "bet-3", GameID: "slots", Contribution: dec("1")})
	require.True(t, errors.Is(err, apperr.ErrInvalidStateTransition))
	_, err = f.bonuses.Cancel(ctx, b.PlayerBonusID, "too late")
	require.True(t, errors.Is(err, apperr.ErrInvalidStateTransition), "completed is terminal")
}

func TestAdvanceIsIdempotentPerBet(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	playerID := f.player(t, "DE", "regular")
	def := f.definition(t, catalog.DefinitionInput{Amount: dec("100"), WageringMultiplier: 10})
	b, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: def.DefinitionID, Source: SourceManual})
	require.NoError(t, err)

	first := f.advance(t, b.PlayerBonusID, "bet-dup", "50")
	assert.True(t, first.Applied)
	again := f.advance(t, b.PlayerBonusID, "bet-dup", "50")
	assert.False(t, again.Applied)
	assert.True(t, again.Instance.WageringCompleted.Equal(dec("50")))

	_, err = f.bonuses.Advance(ctx, AdvanceRequest{InstanceID: b.PlayerBonusID, BetID: "bet-neg", Contribution: dec("-5")})
	require.True(t, errors.Is(err, apperr.ErrInvalidStateTransition))
}

func TestCancelClawsBackUnearnedRemainder(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	playerID := f.player(t, "DE", "regular")
	def := f.definition(t, catalog.DefinitionInput{Amount: dec("50"), WageringMultiplier: 10})
	b, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: def.DefinitionID, Source: SourceManual})
	require.NoError(t, err)
	f.advance(t, b.PlayerBonusID, "bet-1", "250")

	_, err = f.bonuses.Cancel(ctx, b.PlayerBonusID, "  ")
	require.True(t, errors.Is(err, apperr.ErrValidation))

	cancelled, err := f.bonuses.Cancel(ctx, b.PlayerBonusID, "bonus abuse")
	require.NoError(t, err)
	assert.Equal(t, StatusForfeited, cancelled.Status)
	require.NotNil(t, cancelled.StatusReason)
	assert.Equal(t, "bonus abuse", *cancelled.StatusReason)

	assert.True(t, f.balances(t, playerID).Bonus.Equal(dec("25")))
	assertConserved(t, f, playerID, b.PlayerBonusID)

	_, err = f.bonuses.Cancel(ctx, b.PlayerBonusID, "again")
	require.True(t, errors.Is(err, apperr.ErrInvalidStateTransition))
}

func TestClawbackCappedByBonusBalance(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	playerID := f.player(t, "DE", "regular")
	def := f.definition(t, catalog.DefinitionInput{Amount: dec("50"), WageringMultiplier: 10})
	b, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: def.DefinitionID, Source: SourceManual})
	require.NoError(t, err)

	// the player stakes 40 of the bonus funds elsewhere
	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.wallets.Debit(ctx, tx, playerID, wallet.BucketBonus, dec("40"), "bet-stake")
		return err
	})
	require.NoError(t, err)

	_, err = f.bonuses.Cancel(ctx, b.PlayerBonusID, "closed account")
	require.NoError(t, err)
	assert.True(t, f.balances(t, playerID).Bonus.IsZero(), "clawback never drives the wallet negative")

	attr, err := f.bonuses.Attribution(ctx, b.PlayerBonusID)
	require.NoError(t, err)
	assert.True(t, attr.ClawedBack.Equal(dec("10")))
}

func TestFailedConversionLeavesInstanceActive(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	playerID := f.player(t, "DE", "regular")
	def := f.definition(t, catalog.DefinitionInput{Amount: dec("50"), WageringMultiplier: 2})
	b, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: def.DefinitionID, Source: SourceManual})
	require.NoError(t, err)

	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.wallets.Debit(ctx, tx, playerID, wallet.BucketBonus, dec("30"), "bet-stake")
		return err
	})
	require.NoError(t, err)

	_, err = f.bonuses.Advance(ctx, AdvanceRequest{InstanceID: b.PlayerBonusID, BetID: "bet-final", GameID: "slots", Contribution: dec("100")})
	require.True(t, errors.Is(err, apperr.ErrInsufficientBalance))

	after, err := f.bonuses.Get(ctx, b.PlayerBonusID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, after.Status)
	assert.True(t, after.WageringCompleted.IsZero(), "the bet rolls back with the conversion")
	assert.True(t, f.balances(t, playerID).Bonus.Equal(dec("20")))
}

func TestExpireRequiresPassedExpiry(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	playerID := f.player(t, "DE", "regular")
	def := f.definition(t, catalog.DefinitionInput{Amount: dec("40"), WageringMultiplier: 10, ExpiryDays: 1})
	b, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: def.DefinitionID, Source: SourceManual})
	require.NoError(t, err)
	f.advance(t, b.PlayerBonusID, "bet-1", "100")

	_, err = f.bonuses.Expire(ctx, b.PlayerBonusID)
	require.True(t, errors.Is(err, apperr.ErrInvalidStateTransition))

	f.bonuses.SetClock(func() time.Time { return time.Now().UTC().AddDate(0, 0, 2) })

	_, err = f.bonuses.Advance(ctx, AdvanceRequest{InstanceID: b.PlayerBonusID, BetID: "bet-late", GameID: "slots", Contribution: dec("10")})
	require.True(t, errors.Is(err, apperr.ErrInvalidStateTransition), "expired instances take no bets")

	due, err := f.bonuses.DueForExpiry(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	expired, err := f.bonuses.Expire(ctx, b.PlayerBonusID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, expired.Status)
	// 40 x (1 - 100/400)
	assert.True(t, f.balances(t, playerID).Bonus.Equal(dec("10")))
	assertConserved(t, f, playerID, b.PlayerBonusID)
}

func TestZeroTargetCompletesOnGrant(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	playerID := f.player(t, "DE", "regular")
	def := f.definition(t, catalog.DefinitionInput{Amount: dec("15"), WageringMultiplier: 0})

	b, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: def.DefinitionID, Source: SourceManual})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, b.Status)

	bal := f.balances(t, playerID)
	assert.True(t, bal.Real.Equal(dec("15")))
	assert.True(t, bal.Bonus.IsZero())
	assertConserved(t, f, playerID, b.PlayerBonusID)
}

func TestGrantEligibilityRules(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	playerID := f.player(t, "DE", "regular")

	exclusive := f.definition(t, catalog.DefinitionInput{Amount: dec("10"), WageringMultiplier: 5})
	_, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: exclusive.DefinitionID, Source: SourceManual})
	require.NoError(t, err)
	_, err = f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: exclusive.DefinitionID, Source: SourceManual})
	require.True(t, errors.Is(err, apperr.ErrEligibilityDenied), "non-stackable bonuses are exclusive")

	stackable := f.definition(t, catalog.DefinitionInput{Amount: dec("10"), WageringMultiplier: 5, Stackable: true, MaxClaimsPerPlayer: 1})
	_, err = f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: stackable.DefinitionID, Source: SourceManual})
	require.NoError(t, err)
	_, err = f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: stackable.DefinitionID, Source: SourceManual})
	require.True(t, errors.Is(err, apperr.ErrEligibilityDenied), "per-player claim limit")

	french := f.player(t, "FR", "regular")
	local := f.definition(t, catalog.DefinitionInput{Amount: dec("10"), EligibleCountries: []string{"DE"}})
	_, err = f.bonuses.Grant(ctx, GrantRequest{PlayerID: french, DefinitionID: local.DefinitionID, Source: SourceManual})
	require.True(t, errors.Is(err, apperr.ErrEligibilityDenied))

	_, err = f.bonuses.Grant(ctx, GrantRequest{PlayerID: uuid.New().String(), DefinitionID: local.DefinitionID, Source: SourceManual})
	require.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, Source: SourceManual})
	require.True(t, errors.Is(err, apperr.ErrValidation))

	bal := f.balances(t, playerID)
	assert.True(t, bal.Bonus.Equal(dec("20")), "rejected grants credit nothing")
}

func TestAdHocGrantIsStackable(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	playerID := f.player(t, "DE", "regular")
	def := f.definition(t, catalog.DefinitionInput{Amount: dec("10"), WageringMultiplier: 5})
	_, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: def.DefinitionID, Source: SourceManual})
	require.NoError(t, err)

	amount, target := dec("7.50"), dec("75")
	b, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, Source: SourceManual, Amount: &amount, WageringTarget: &target})
	require.NoError(t, err)
	assert.Nil(t, b.DefinitionID)
	assert.True(t, b.Stackable)
	assert.True(t, b.WageringRequired.Equal(dec("75")))

	tooPrecise := dec("1.005")
	_, err = f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, Source: SourceManual, Amount: &tooPrecise})
	require.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestManualAmountOverridesPercentageReward(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	playerID := f.player(t, "DE", "regular")
	def := f.definition(t, catalog.DefinitionInput{
		TriggerType:        catalog.TriggerOnDeposit,
		RewardType:         catalog.RewardPercentage,
		Percentage:         dec("50"),
		WageringMultiplier: 10,
		Stackable:          true,
	})

	_, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: def.DefinitionID, Source: SourceManual})
	require.True(t, errors.Is(err, apperr.ErrValidation), "a percentage reward needs a base amount")

	amount := dec("30")
	b, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: def.DefinitionID, Source: SourceManual, Amount: &amount})
	require.NoError(t, err)
	assert.True(t, b.BonusAmount.Equal(dec("30")))
	assert.True(t, b.WageringRequired.Equal(dec("300")))
	assertConserved(t, f, playerID, b.PlayerBonusID)
}

func TestClaimByCodeAndTriggers(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	playerID := f.player(t, "DE", "regular")

	f.definition(t, catalog.DefinitionInput{ClaimCode: "SPRING10", Amount: dec("10"), WageringMultiplier: 1, Stackable: true})
	b, err := f.bonuses.ClaimByCode(ctx, playerID, "spring10", decimal.Zero)
	require.NoError(t, err)
	assert.True(t, b.BonusAmount.Equal(dec("10")))

	_, err = f.bonuses.ClaimByCode(ctx, playerID, "NOPE", decimal.Zero)
	require.True(t, errors.Is(err, apperr.ErrNotFound))

	maxAmount := dec("100")
	f.definition(t, catalog.DefinitionInput{
		TriggerType:        catalog.TriggerOnDeposit,
		RewardType:         catalog.RewardPercentage,
		Percentage:         dec("50"),
		MaxAmount:          &maxAmount,
		MinDeposit:         dec("20"),
		WageringMultiplier: 20,
		AutoCredit:         true,
		Stackable:          true,
	})

	small, err := f.bonuses.ApplyTrigger(ctx, TriggerEvent{PlayerID: playerID, Trigger: "on_deposit", BaseAmount: dec("10"), SourceRef: "dep-1"})
	require.NoError(t, err)
	assert.Empty(t, small, "deposits below the minimum are skipped")

	granted, err := f.bonuses.ApplyTrigger(ctx, TriggerEvent{PlayerID: playerID, Trigger: "on_deposit", BaseAmount: dec("500"), SourceRef: "dep-2"})
	require.NoError(t, err)
	require.Len(t, granted, 1)
	assert.True(t, granted[0].BonusAmount.Equal(dec("100")), "capped at max amount")
	assert.True(t, granted[0].WageringRequired.Equal(dec("2000")))

	replay, err := f.bonuses.ApplyTrigger(ctx, TriggerEvent{PlayerID: playerID, Trigger: "on_deposit", BaseAmount: dec("500"), SourceRef: "dep-2"})
	require.NoError(t, err)
	assert.Empty(t, replay, "a deposit is rewarded once")

	history, err := f.bonuses.History(ctx, playerID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestResetWagering(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	playerID := f.player(t, "DE", "regular")
	def := f.definition(t, catalog.DefinitionInput{Amount: dec("20"), WageringMultiplier: 10, Stackable: true})
	b, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: def.DefinitionID, Source: SourceManual})
	require.NoError(t, err)
	f.advance(t, b.PlayerBonusID, "bet-1", "150")

	before, after, err := f.bonuses.ResetWagering(ctx, b.PlayerBonusID, decimal.Zero, nil)
	require.NoError(t, err)
	assert.True(t, before.WageringCompleted.Equal(dec("150")))
	assert.True(t, after.WageringCompleted.IsZero())
	assert.Equal(t, StatusActive, after.Status)

	target := dec("50")
	_, after, err = f.bonuses.ResetWagering(ctx, b.PlayerBonusID, dec("60"), &target)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, after.Status, "meeting the new target completes the bonus")
	assert.True(t, f.balances(t, playerID).Real.Equal(dec("20")))

	_, _, err = f.bonuses.ResetWagering(ctx, b.PlayerBonusID, decimal.Zero, nil)
	require.True(t, errors.Is(err, apperr.ErrInvalidStateTransition))
}

func TestDefinitionStats(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	def := f.definition(t, catalog.DefinitionInput{Amount: dec("50"), WageringMultiplier: 10})

	first, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: f.player(t, "DE", "regular"), DefinitionID: def.DefinitionID, Source: SourceManual})
	require.NoError(t, err)
	_, err = f.bonuses.Grant(ctx, GrantRequest{PlayerID: f.player(t, "DE", "regular"), DefinitionID: def.DefinitionID, Source: SourceManual})
	require.NoError(t, err)
	_, err = f.bonuses.Cancel(ctx, first.PlayerBonusID, "test")
	require.NoError(t, err)

	stats, err := f.bonuses.DefinitionStats(ctx, def.DefinitionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalClaims)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(1), stats.Forfeited)
	assert.Equal(t, int64(2), stats.UniquePlayers)
	assert.True(t, stats.TotalCredited.Equal(dec("100")))
	assert.True(t, stats.TotalClawedBack.Equal(dec("50")))
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []Progress
}

func (n *recordingNotifier) Notify(_ string, p Progress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, p)
}

func TestConcurrentAdvancesAreSerialized(t *testing.T) {
	f := setupBonusTest(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	f.bonuses.SetNotifier(notifier)

	playerID := f.player(t, "DE", "regular")
	def := f.definition(t, catalog.DefinitionInput{Amount: dec("100"), WageringMultiplier: 10})
	b, err := f.bonuses.Grant(ctx, GrantRequest{PlayerID: playerID, DefinitionID: def.DefinitionID, Source: SourceManual})
	require.NoError(t, err)

	const bets = 10
	var wg sync.WaitGroup
	var applied int32
	for i := 0; i < bets; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.bonuses.Advance(ctx, AdvanceRequest{
				InstanceID:   b.PlayerBonusID,
				BetID:        "concurrent-" + uuid.New().String(),
				GameID:       "slots",
				BetAmount:    dec("50"),
				Percent:      dec("100"),
				Contribution: dec("50"),
			})
			if assert.NoError(t, err) && res.Applied {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(bets), applied)
	progress, err := f.bonuses.Progress(ctx, b.PlayerBonusID)
	require.NoError(t, err)
	assert.True(t, progress.WageringCompleted.Equal(dec("500")))
	assert.Equal(t, 50.0, progress.PercentageComplete)
	assert.Len(t, notifier.items, bets+1)
}
