package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
	"github.com/markjakearzadon/notipay-terminal.git/internal/services"
)

// RequestHandler serves the frontend side of the protocol.
type RequestHandler struct {
	registrar *services.Registrar
	status    *services.StatusReporter
	validate  *validator.Validate
}

func NewRequestHandler(registrar *services.Registrar, status *services.StatusReporter) *RequestHandler {
	return &RequestHandler{
		registrar: registrar,
		status:    status,
		validate:  newValidator(),
	}
}

type addRequestBody struct {
	DeviceID         string          `json:"deviceId" validate:"required,max=64"`
	Amount           decimal.Decimal `json:"amount"`
	InvoiceReference string          `json:"invoiceReference" validate:"required,max=128"`
	Command          string          `json:"command" validate:"required,max=16"`
	IdempotencyKey   string          `json:"idempotencyKey" validate:"max=128"`
}

type statusResponse struct {
	TransactionID string         `json:"transactionId"`
	State         models.State   `json:"state"`
	Result        *models.Result `json:"result,omitempty"`
}

// AddRequest handles POST /addrequest
func (h *RequestHandler) AddRequest(w http.ResponseWriter, r *http.Request) {
	var body addRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	res, err := h.registrar.Register(r.Context(), services.RegisterRequest{
		DeviceID:         body.DeviceID,
		Amount:           body.Amount,
		InvoiceReference: body.InvoiceReference,
		Command:          body.Command,
		IdempotencyKey:   body.IdempotencyKey,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"transactionId": res.TransactionID})
}

// Status handles GET /status/{transactionId}
func (h *RequestHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transactionId"]

	tx, err := h.status.Status(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := statusResponse{TransactionID: tx.ID, State: tx.State}
	if tx.State.IsOutcome() {
		resp.Result = tx.Result
	}
	writeJSON(w, http.StatusOK, resp)
}
