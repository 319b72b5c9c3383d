package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/lokutor-ai/atlas-voice-core/pkg/core"
	"github.com/lokutor-ai/atlas-voice-core/pkg/ledger"
	"github.com/lokutor-ai/atlas-voice-core/pkg/policy"
)

// statusRecentRecords is how many of the ledger's most recent UsageRecords
// the `status` verb reports (spec.md §6.5: "last N UsageRecords").
const statusRecentRecords = 10

// adminServer exposes the small local control surface `status`, `cancel`
// and `reload-policy` talk to (spec.md §6.5). It is deliberately a bare
// net/http server: this is a loopback-only admin plane with three JSON
// endpoints, not a piece of the voice pipeline's domain stack, so it does
// not warrant pulling in a routing framework the way cmd/agent's providers
// pull in domain-specific clients.
type adminServer struct {
	controller *core.Controller
	ledger     *ledger.Ledger
	policy     *policy.Store
}

type usageRecordResponse struct {
	UtteranceID  string  `json:"utterance_id"`
	Tier         string  `json:"tier"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	CommittedAt  string  `json:"committed_at"`
}

type statusResponse struct {
	Mode            string                `json:"mode"`
	MonthSpendCents int64                 `json:"month_spend_cents"`
	DaySpendCents   int64                 `json:"day_spend_cents"`
	Degraded        bool                  `json:"degraded"`
	CurrentTurnID   string                `json:"current_turn_id,omitempty"`
	CurrentTurnSet  bool                  `json:"has_current_turn"`
	RecentUsage     []usageRecordResponse `json:"recent_usage"`
}

func (a *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := a.ledger.BudgetState()
	resp := statusResponse{
		Mode:            string(state.Mode),
		MonthSpendCents: state.MonthSpendCents,
		DaySpendCents:   state.DaySpendCents,
		Degraded:        state.Degraded,
	}
	if id, ok := a.controller.CurrentTurnID(); ok {
		resp.CurrentTurnID = id
		resp.CurrentTurnSet = true
	}

	records, err := a.ledger.RecentRecords(statusRecentRecords)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	for _, rec := range records {
		resp.RecentUsage = append(resp.RecentUsage, usageRecordResponse{
			UtteranceID:  rec.UtteranceID,
			Tier:         rec.Tier,
			InputTokens:  rec.InputTokens,
			OutputTokens: rec.OutputTokens,
			CostUSD:      rec.CostUSD,
			CommittedAt:  rec.CommittedAt.UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (a *adminServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	ok := a.controller.CancelCurrent("operator cancel")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"cancelled": ok})
}

func (a *adminServer) handleReloadPolicy(w http.ResponseWriter, r *http.Request) {
	err := a.policy.Reload()
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"reloaded": true})
}

func (a *adminServer) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/cancel", a.handleCancel)
	mux.HandleFunc("/reload-policy", a.handleReloadPolicy)
	return mux
}
