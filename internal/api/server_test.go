package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bonus_ledger/internal/admin"
	"bonus_ledger/internal/bonus"
	"bonus_ledger/internal/catalog"
	"bonus_ledger/internal/database/dbtest"
	"bonus_ledger/internal/player"
	"bonus_ledger/internal/reconciler"
	"bonus_ledger/internal/wagering"
	"bonus_ledger/internal/wallet"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	StatusCode int             `json:"status_code"`
	IsSuccess  bool            `json:"is_success"`
	Data       json.RawMessage `json:"data"`
	Error      ErrorDetail     `json:"error"`
}

type apiClient struct {
	t      *testing.T
	router http.Handler
}

func (a *apiClient) do(method, path, role string, body interface{}) (int, envelope) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	token, err := GenerateToken(testSecret, admin.Operator{ID: "op-" + role, Username: role, Role: admin.Role(role)}, time.Hour)
	require.NoError(a.t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	var env envelope
	require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func setupServer(t *testing.T) (*apiClient, string) {
	db := dbtest.Setup(t)
	logger := zerolog.Nop()
	walletRepo := wallet.NewRepository(db, "USD")
	catalogSvc := catalog.NewService(db, logger)
	bonuses := bonus.NewService(db, catalogSvc, player.NewRepository(db), reconciler.New(walletRepo, logger), logger)
	hub := wagering.NewNotificationHub()
	bonuses.SetNotifier(hub)

	router := NewRouter(Deps{
		Catalog:     catalogSvc,
		Bonuses:     bonuses,
		Gateway:     admin.NewGateway(db, catalogSvc, bonuses, logger),
		Accumulator: wagering.NewAccumulator(bonuses, catalogSvc, logger, 3),
		Hub:         hub,
		Wallet:      wallet.NewService(db, walletRepo),
		JWTSecret:   testSecret,
		Logger:      logger,
	})

	p := player.Player{PlayerID: uuid.New().String(), Country: "DE", Segment: "regular", RegisteredAt: time.Now().UTC().AddDate(-1, 0, 0)}
	require.NoError(t, db.Create(&p).Error)
	return &apiClient{t: t, router: router}, p.PlayerID
}

func TestHealthNeedsNoToken(t *testing.T) {
	router := NewRouter(Deps{JWTSecret: testSecret, Logger: zerolog.Nop()})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/definitions", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBonusLifecycleOverHTTP(t *testing.T) {
	api, playerID := setupServer(t)

	status, env := api.do(http.MethodPost, "/api/v1/definitions", "viewer", catalog.DefinitionInput{
		Name: "Welcome", TriggerType: catalog.TriggerManual, RewardType: catalog.RewardFixed,
		Amount: decimal.NewFromInt(100), WageringMultiplier: 10,
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", env.Error.ErrorCode)

	status, env = api.do(http.MethodPost, "/api/v1/definitions", "admin", catalog.DefinitionInput{
		Name: "Welcome", TriggerType: catalog.TriggerManual, RewardType: catalog.RewardFixed,
		Amount: decimal.NewFromInt(100), WageringMultiplier: 10,
	})
	require.Equal(t, http.StatusCreated, status, env.Error.ErrorMessage)
	def := decode[catalog.Definition](t, env)

	status, _ = api.do(http.MethodPut, "/api/v1/definitions/"+def.DefinitionID+"/contributions", "admin", contributionsRequest{
		Games: []catalog.ContributionInput{
			{GameID: "slots", Percent: decimal.NewFromInt(100)},
			{GameID: "blackjack", Percent: decimal.NewFromInt(20)},
		},
	})
	require.Equal(t, http.StatusOK, status)

	status, env = api.do(http.MethodPost, "/api/v1/bonuses", "support", admin.AwardRequest{
		PlayerID: playerID, DefinitionID: def.DefinitionID, Reason: "welcome",
	})
	require.Equal(t, http.StatusCreated, status, env.Error.ErrorMessage)
	granted := decode[bonus.PlayerBonus](t, env)
	assert.True(t, granted.WageringRequired.Equal(decimal.NewFromInt(1000)))

	// roulette is unlisted and contributes nothing
	bets := []struct{ game, amount string }{{"slots", "600"}, {"roulette", "500"}, {"blackjack", "1000"}, {"slots", "200"}}
	for i, bet := range bets {
		status, env = api.do(http.MethodPost, "/api/v1/bets", "service", wagering.BetEvent{
			BetID: "bet-" + string(rune('a'+i)), PlayerID: playerID, GameID: bet.game,
			BetAmount: decimal.RequireFromString(bet.amount), Timestamp: time.Now().UTC(),
		})
		require.Equal(t, http.StatusOK, status, env.Error.ErrorMessage)
	}

	status, env = api.do(http.MethodGet, "/api/v1/bonuses/"+granted.PlayerBonusID+"/progress", "viewer", nil)
	require.Equal(t, http.StatusOK, status)
	progress := decode[bonus.Progress](t, env)
	assert.True(t, progress.Completed)
	assert.Equal(t, bonus.StatusCompleted, progress.Status)

	status, env = api.do(http.MethodGet, "/api/v1/players/"+playerID+"/balances", "viewer", nil)
	require.Equal(t, http.StatusOK, status)
	balances := decode[wallet.Balances](t, env)
	assert.True(t, balances.Real.Equal(decimal.NewFromInt(100)))
	assert.True(t, balances.Bonus.IsZero())

	status, env = api.do(http.MethodPost, "/api/v1/bonuses/"+granted.PlayerBonusID+"/cancel", "support", cancelRequest{Reason: "too late"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_state_transition", env.Error.ErrorCode)

	status, env = api.do(http.MethodGet, "/api/v1/bonuses/"+granted.PlayerBonusID+"/audit", "viewer", nil)
	require.Equal(t, http.StatusOK, status)
	trail := decode[[]json.RawMessage](t, env)
	assert.Len(t, trail, 1)

	status, env = api.do(http.MethodGet, "/api/v1/players/"+playerID+"/bonuses", "viewer", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]bonus.PlayerBonus](t, env), 1)
}

func TestFeedEndpointsRequireServiceRole(t *testing.T) {
	api, playerID := setupServer(t)

	status, _ := api.do(http.MethodPost, "/api/v1/bets", "support", wagering.BetEvent{
		BetID: "bet-1", PlayerID: playerID, GameID: "slots", BetAmount: decimal.NewFromInt(10),
	})
	assert.Equal(t, http.StatusForbidden, status)

	status, env := api.do(http.MethodPost, "/api/v1/deposits", "service", depositRequest{
		DepositID: "dep-1", PlayerID: playerID, Amount: decimal.NewFromInt(50),
	})
	require.Equal(t, http.StatusOK, status, env.Error.ErrorMessage)
	assert.Empty(t, decode[[]bonus.PlayerBonus](t, env))

	status, env = api.do(http.MethodPost, "/api/v1/players/"+playerID+"/claims", "service", claimRequest{Code: "NOPE"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", env.Error.ErrorCode)
}
