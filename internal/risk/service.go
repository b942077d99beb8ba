// Package risk provides the HTTP handlers that expose the margin engine:
// price and config ingestion, derivative identity lookups, and vault
// evaluation and settlement.
//
// All monetary values use shopspring/decimal, never float64.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/contract"
	"github.com/atmx/margin-engine/internal/margin"
	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/pricing"
	"github.com/atmx/margin-engine/internal/store"
	"github.com/atmx/margin-engine/internal/vault"
)

// Service wires the evaluator to its reference data. Vaults arrive in the
// request body; only prices and configs are read from the store.
type Service struct {
	store     store.Store
	evaluator *vault.Evaluator
	wsHub     *WSHub // optional WebSocket hub for real-time broadcasts
	now       func() time.Time
}

// NewService creates a new risk service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, ev *vault.Evaluator, hub *WSHub) *Service {
	return &Service{
		store:     st,
		evaluator: ev,
		wsHub:     hub,
		now:       time.Now,
	}
}

// Routes mounts every handler on r.
func (s *Service) Routes(r chi.Router) {
	r.Put("/prices", s.PutPrices)
	r.Get("/prices", s.GetPrices)
	r.Get("/configs", s.GetConfigs)
	r.Put("/configs/{asset}", s.PutConfig)
	r.Post("/derivatives/encode", s.EncodeDerivative)
	r.Get("/derivatives/{assetID}", s.GetDerivative)
	r.Post("/vaults/evaluate", s.EvaluateVault)
	r.Post("/vaults/settle", s.SettleVault)
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// --- Request/Response types ---

// EncodeResponse is returned from POST /derivatives/encode.
type EncodeResponse struct {
	AssetID       string              `json:"asset_id"`
	PackedHex     string              `json:"packed_hex"`
	SettlementHex string              `json:"settlement_hex"` // packed identity masked to underlying and expiry
	SettlementKey model.SettlementKey `json:"settlement_key"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
}

// DerivativeInfo is returned from GET /derivatives/{assetID}.
type DerivativeInfo struct {
	EncodeResponse
	Derivative model.Derivative `json:"derivative"`
	Quote      *pricing.Quote   `json:"quote,omitempty"`
	PriceError string           `json:"price_error,omitempty"`
}

// SettleResponse is returned from POST /vaults/settle.
type SettleResponse struct {
	Vault   model.Vault `json:"vault"`
	Settled []string    `json:"settled"`
}

// --- HTTP Handlers ---

// PutPrices handles PUT /api/v1/prices
// Stores a full price snapshot. Keys of the market and moving-average maps
// must be an encoded asset or a derivative identity.
func (s *Service) PutPrices(w http.ResponseWriter, r *http.Request) {
	ps := model.NewPriceSet()
	if err := json.NewDecoder(r.Body).Decode(ps); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ps = ps.Clone()
	if ps.TakenAt.IsZero() {
		ps.TakenAt = s.now().UTC()
	}
	for _, m := range []map[string]decimal.Decimal{ps.Market, ps.MovingAverage} {
		for key, p := range m {
			if err := validatePriceKey(key); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			if p.IsNegative() {
				writeError(w, fmt.Sprintf("negative price for %s", key), http.StatusBadRequest)
				return
			}
		}
	}

	if err := s.store.PutPriceSet(r.Context(), ps); err != nil {
		writeError(w, "failed to store prices", http.StatusInternalServerError)
		return
	}

	slog.Info("prices updated",
		"taken_at", ps.TakenAt,
		"oracle", len(ps.OracleIndex),
		"market", len(ps.Market),
		"moving_average", len(ps.MovingAverage),
		"settled", len(ps.Settled),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: MsgPricesUpdated, PricesTakenAt: ps.TakenAt.Format(time.RFC3339)})
	}

	writeJSON(w, http.StatusCreated, ps)
}

// GetPrices handles GET /api/v1/prices
func (s *Service) GetPrices(w http.ResponseWriter, r *http.Request) {
	ps, err := s.store.GetLatestPriceSet(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no price snapshot", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load prices", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// PutConfig handles PUT /api/v1/configs/{asset}
func (s *Service) PutConfig(w http.ResponseWriter, r *http.Request) {
	asset, err := model.ParseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var cfg model.AssetConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.PutAssetConfig(r.Context(), asset, cfg); err != nil {
		writeError(w, "failed to store config", http.StatusInternalServerError)
		return
	}

	slog.Info("asset config updated", "asset", asset.String())
	writeJSON(w, http.StatusOK, cfg)
}

// GetConfigs handles GET /api/v1/configs
func (s *Service) GetConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.GetAssetConfigs(r.Context())
	if err != nil {
		writeError(w, "failed to load configs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

// EncodeDerivative handles POST /api/v1/derivatives/encode
func (s *Service) EncodeDerivative(w http.ResponseWriter, r *http.Request) {
	var d model.Derivative
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	resp, err := describe(d)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetDerivative handles GET /api/v1/derivatives/{assetID}
// Accepts a string identity or a 0x-prefixed packed identity. Decodes it
// and, when a snapshot exists, resolves its mark price.
func (s *Service) GetDerivative(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "assetID")
	var (
		d   model.Derivative
		err error
	)
	if strings.HasPrefix(raw, "0x") {
		d, err = contract.DecodePacked(raw)
	} else {
		d, err = contract.Decode(raw)
	}
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	enc, err := describe(d)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := enc.AssetID
	info := DerivativeInfo{EncodeResponse: enc, Derivative: d}

	ps, err := s.store.GetLatestPriceSet(r.Context())
	switch {
	case errors.Is(err, store.ErrNotFound):
		info.PriceError = "no price snapshot"
	case err != nil:
		writeError(w, "failed to load prices", http.StatusInternalServerError)
		return
	default:
		q, err := pricing.NewAggregator(ps).Mark(id, d)
		if err != nil {
			info.PriceError = err.Error()
		} else {
			info.Quote = &q
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// EvaluateVault handles POST /api/v1/vaults/evaluate[?now=RFC3339]
// Evaluates the vault in the body against the latest price snapshot.
func (s *Service) EvaluateVault(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var v model.Vault
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ev := s.evaluator
	if raw := r.URL.Query().Get("now"); raw != "" {
		now, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "now must be RFC3339", http.StatusBadRequest)
			return
		}
		ev = ev.At(now)
	}

	ctx := r.Context()
	ps, configs, ok := s.loadReferenceData(ctx, w)
	if !ok {
		return
	}
	metrics.PriceSnapshotAge.Set(s.now().Sub(ps.TakenAt).Seconds())

	report, err := ev.Evaluate(ctx, v, ps, configs)
	metrics.EvaluationLatency.WithLabelValues("evaluate").Observe(time.Since(start).Seconds())
	if err != nil {
		s.engineError(w, "evaluate", v.Owner, err)
		return
	}

	metrics.IVSolves.Add(float64(report.IVSolves))
	outcome, msgType := "healthy", MsgVaultEvaluated
	if !report.Healthy {
		outcome, msgType = "liquidatable", MsgVaultLiquidatable
	}
	metrics.EvaluationsTotal.WithLabelValues(outcome).Inc()

	slog.Info("vault evaluated",
		"evaluation_id", report.ID,
		"owner", v.Owner,
		"positions", len(v.Positions),
		"balance", report.Balance.String(),
		"maintenance_margin", report.Maintenance.Required.String(),
		"initial_margin", report.Initial.Required.String(),
		"healthy", report.Healthy,
		"iv_solves", report.IVSolves,
	)

	if s.wsHub != nil {
		healthy := report.Healthy
		s.wsHub.Broadcast(WSMessage{
			Type:              msgType,
			Owner:             v.Owner,
			EvaluationID:      report.ID.String(),
			Balance:           report.Balance.String(),
			MaintenanceMargin: report.Maintenance.Required.String(),
			FreeCollateral:    report.FreeCollateral.String(),
			Healthy:           &healthy,
			PricesTakenAt:     report.PricesTakenAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, report)
}

// SettleVault handles POST /api/v1/vaults/settle
// Returns the vault with every settled position folded into collateral.
func (s *Service) SettleVault(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var v model.Vault
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ps, err := s.store.GetLatestPriceSet(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no price snapshot", http.StatusConflict)
		return
	}
	if err != nil {
		writeError(w, "failed to load prices", http.StatusInternalServerError)
		return
	}

	settled, err := s.evaluator.ApplySettlement(v, ps)
	metrics.EvaluationLatency.WithLabelValues("settle").Observe(time.Since(start).Seconds())
	if err != nil {
		s.engineError(w, "settle", v.Owner, err)
		return
	}

	resp := SettleResponse{Vault: settled, Settled: removed(v, settled)}
	metrics.SettledPositions.Add(float64(len(resp.Settled)))

	if len(resp.Settled) > 0 {
		slog.Info("vault settled",
			"owner", v.Owner,
			"settled", len(resp.Settled),
			"collateral_balance", settled.CollateralBalance.String(),
		)
		if s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{
				Type:    MsgVaultSettled,
				Owner:   v.Owner,
				Balance: settled.CollateralBalance.String(),
				Settled: len(resp.Settled),
			})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- Helpers ---

func (s *Service) loadReferenceData(ctx context.Context, w http.ResponseWriter) (*model.PriceSet, model.AssetConfigs, bool) {
	ps, err := s.store.GetLatestPriceSet(ctx)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "no price snapshot", http.StatusConflict)
		return nil, nil, false
	}
	if err != nil {
		writeError(w, "failed to load prices", http.StatusInternalServerError)
		return nil, nil, false
	}
	configs, err := s.store.GetAssetConfigs(ctx)
	if err != nil {
		writeError(w, "failed to load configs", http.StatusInternalServerError)
		return nil, nil, false
	}
	return ps, configs, true
}

func (s *Service) engineError(w http.ResponseWriter, op, owner string, err error) {
	class, status := classify(err)
	metrics.EngineErrors.WithLabelValues(class).Inc()
	metrics.EvaluationsTotal.WithLabelValues("error").Inc()
	slog.Warn("vault "+op+" failed", "owner", owner, "class", class, "err", err)
	writeError(w, err.Error(), status)
}

// classify maps engine errors to a metrics label and an HTTP status.
// Engine errors are the caller's data problem (422); anything else is ours.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, contract.ErrMalformedIdentity):
		return "malformed_identity", http.StatusUnprocessableEntity
	case errors.Is(err, pricing.ErrNoPriceSource):
		return "no_price_source", http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrConfigMissing):
		return "config_missing", http.StatusUnprocessableEntity
	case errors.Is(err, margin.ErrPricing):
		return "pricing", http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrDuplicatePosition):
		return "duplicate_position", http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrUnknownInstrument), errors.Is(err, model.ErrUnknownAsset):
		return "unknown_instrument", http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled", http.StatusServiceUnavailable
	default:
		return "internal", http.StatusInternalServerError
	}
}

func describe(d model.Derivative) (EncodeResponse, error) {
	p, err := contract.Pack(d)
	if err != nil {
		return EncodeResponse{}, err
	}
	resp := EncodeResponse{
		AssetID:       contract.Encode(d),
		PackedHex:     p.Hex(),
		SettlementHex: contract.MaskSettlement(p).Hex(),
		SettlementKey: d.SettlementKey(),
	}
	if exp := d.ExpiresAt(); !exp.IsZero() {
		resp.ExpiresAt = &exp
	}
	return resp, nil
}

func validatePriceKey(key string) error {
	if _, err := contract.Decode(key); err == nil {
		return nil
	}
	if a, err := model.ParseAsset(key); err == nil && contract.EncodeAsset(a) == key {
		return nil
	}
	return fmt.Errorf("price key %q is neither an asset code nor a derivative identity", key)
}

// removed lists the identities present in before but not in after.
func removed(before, after model.Vault) []string {
	kept := make(map[string]struct{}, len(after.Positions))
	for _, p := range after.Positions {
		kept[p.AssetID] = struct{}{}
	}
	out := []string{}
	for _, p := range before.Positions {
		if _, ok := kept[p.AssetID]; !ok {
			out = append(out, p.AssetID)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
