package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/kareempjackson/undr-api-sub001/internal/escrow"
	"github.com/kareempjackson/undr-api-sub001/internal/httputil"
	"github.com/kareempjackson/undr-api-sub001/internal/middleware"
	"github.com/kareempjackson/undr-api-sub001/internal/models"
	"github.com/kareempjackson/undr-api-sub001/internal/proofs"
)

type MilestoneRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type CreateEscrowRequest struct {
	PayeeID          uint               `json:"payee_id"`
	Amount           decimal.Decimal    `json:"amount"`
	Terms            string             `json:"terms"`
	Milestones       []MilestoneRequest `json:"milestones"`
	PaymentReference string             `json:"payment_reference"`
	Provider         string             `json:"provider"`
	FundNow          bool               `json:"fund_now"`
}

type EscrowListResponse struct {
	Escrows []models.Escrow `json:"escrows"`
	Total   int64           `json:"total"`
}

type SubmitProofRequest struct {
	Type        models.ProofType `json:"type"`
	Description string           `json:"description"`
	Files       []string         `json:"files"`
}

type ReviewProofRequest struct {
	Decision proofs.Decision `json:"decision"`
	Reason   string          `json:"reason"`
}

type RefundRequest struct {
	Reason string `json:"reason"`
}

type MilestoneUpdateRequest struct {
	Status models.MilestoneStatus `json:"status"`
}

func (req CreateEscrowRequest) input(r *http.Request, payerID uint) escrow.CreateInput {
	in := escrow.CreateInput{
		PayerID:          payerID,
		PayeeID:          req.PayeeID,
		Amount:           req.Amount,
		Terms:            req.Terms,
		PaymentReference: req.PaymentReference,
		Provider:         req.Provider,
		FundNow:          req.FundNow,
		Meta:             requestMeta(r),
	}
	for _, m := range req.Milestones {
		in.Milestones = append(in.Milestones, escrow.MilestoneInput{Amount: m.Amount, Description: m.Description})
	}
	return in
}

func (h *Handlers) CreateEscrowHandler(w http.ResponseWriter, r *http.Request) {
	h.createEscrow(w, r, h.Engine.CreateEscrow)
}

func (h *Handlers) OpenEscrowHandler(w http.ResponseWriter, r *http.Request) {
	h.createEscrow(w, r, h.Engine.OpenEscrow)
}

func (h *Handlers) createEscrow(w http.ResponseWriter, r *http.Request, create func(context.Context, escrow.CreateInput) (*models.Escrow, error)) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req CreateEscrowRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	esc, err := create(r.Context(), req.input(r, userID))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, esc)
}

func (h *Handlers) ListEscrowsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	var status *models.EscrowStatus
	if s := q.Get("status"); s != "" {
		st := models.EscrowStatus(s)
		status = &st
	}

	items, total, err := h.Engine.GetEscrowsByUser(r.Context(), userID, status, limit, offset)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if items == nil {
		items = []models.Escrow{}
	}
	httputil.WriteJSON(w, http.StatusOK, EscrowListResponse{Escrows: items, Total: total})
}

func (h *Handlers) GetEscrowHandler(w http.ResponseWriter, r *http.Request) {
	userID, escrowID, ok := escrowRequest(w, r)
	if !ok {
		return
	}
	esc, err := h.Engine.GetEscrowByID(r.Context(), escrowID, userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, esc)
}

func (h *Handlers) FundEscrowHandler(w http.ResponseWriter, r *http.Request) {
	userID, escrowID, ok := escrowRequest(w, r)
	if !ok {
		return
	}
	esc, err := h.Engine.FundEscrow(r.Context(), escrowID, userID, requestMeta(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, esc)
}

func (h *Handlers) SubmitProofHandler(w http.ResponseWriter, r *http.Request) {
	userID, escrowID, ok := escrowRequest(w, r)
	if !ok {
		return
	}
	var req SubmitProofRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	proof, err := h.Engine.SubmitDeliveryProof(r.Context(), escrowID, proofs.Input{
		Type:        req.Type,
		Description: req.Description,
		Files:       req.Files,
	}, userID, requestMeta(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, proof)
}

func (h *Handlers) ListProofsHandler(w http.ResponseWriter, r *http.Request) {
	userID, escrowID, ok := escrowRequest(w, r)
	if !ok {
		return
	}
	list, err := h.Engine.GetEscrowProofs(r.Context(), escrowID, userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handlers) ReviewProofHandler(w http.ResponseWriter, r *http.Request) {
	userID, proofID, ok := escrowRequest(w, r)
	if !ok {
		return
	}
	var req ReviewProofRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	proof, err := h.Engine.ReviewDeliveryProof(r.Context(), proofID, req.Decision, userID, req.Reason, requestMeta(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, proof)
}

func (h *Handlers) ReleaseHandler(w http.ResponseWriter, r *http.Request) {
	userID, escrowID, ok := escrowRequest(w, r)
	if !ok {
		return
	}
	esc, err := h.Engine.ReleaseFunds(r.Context(), escrowID, userID, requestMeta(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, esc)
}

func (h *Handlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	userID, escrowID, ok := escrowRequest(w, r)
	if !ok {
		return
	}
	var req RefundRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	esc, err := h.Engine.IssueRefund(r.Context(), escrowID, userID, req.Reason, requestMeta(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, esc)
}

func (h *Handlers) CancelHandler(w http.ResponseWriter, r *http.Request) {
	userID, escrowID, ok := escrowRequest(w, r)
	if !ok {
		return
	}
	esc, err := h.Engine.CancelEscrow(r.Context(), escrowID, userID, requestMeta(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, esc)
}

func (h *Handlers) UpdateMilestoneHandler(w http.ResponseWriter, r *http.Request) {
	userID, escrowID, ok := escrowRequest(w, r)
	if !ok {
		return
	}
	milestoneID, ok := pathID(r, "milestoneID")
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid milestone id")
		return
	}
	var req MilestoneUpdateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := h.Engine.UpdateMilestone(r.Context(), escrowID, milestoneID, req.Status, userID, requestMeta(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, m)
}

func (h *Handlers) EscrowLogsHandler(w http.ResponseWriter, r *http.Request) {
	userID, escrowID, ok := escrowRequest(w, r)
	if !ok {
		return
	}
	logs, err := h.Engine.GetTransactionLogs(r.Context(), escrowID, userID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, logs)
}

// escrowRequest extracts the caller and the {id} path parameter, writing the
// error response itself when either is missing.
func escrowRequest(w http.ResponseWriter, r *http.Request) (userID, id uint, ok bool) {
	userID, ok = middleware.UserID(r.Context())
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return 0, 0, false
	}
	id, ok = pathID(r, "id")
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "invalid id")
		return 0, 0, false
	}
	return userID, id, true
}
