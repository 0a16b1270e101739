package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
	"github.com/markjakearzadon/notipay-terminal.git/internal/services"
)

// TerminalHandler serves the card terminal's polling and result endpoints.
type TerminalHandler struct {
	poller   *services.CommandPoller
	ingestor *services.ResultIngestor
	validate *validator.Validate
}

func NewTerminalHandler(poller *services.CommandPoller, ingestor *services.ResultIngestor) *TerminalHandler {
	return &TerminalHandler{
		poller:   poller,
		ingestor: ingestor,
		validate: newValidator(),
	}
}

type resultBody struct {
	TransactionID  string `json:"transactionId" validate:"required,max=64"`
	Status         string `json:"status" validate:"required"`
	ResponseCode   string `json:"responseCode"`
	AuthCode       string `json:"authCode"`
	BatchNumber    string `json:"batchNumber"`
	SequenceNumber string `json:"sequenceNumber"`
	CardLast4      string `json:"cardLast4"`
	Message        string `json:"message"`
	Timestamp      string `json:"timestamp"`
}

type resultAck struct {
	Acknowledged bool                 `json:"acknowledged"`
	Disposition  services.Disposition `json:"disposition"`
}

// CheckRequest handles GET /checkrequest/{transactionId}
func (h *TerminalHandler) CheckRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transactionId"]

	resp, err := h.poller.Poll(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"responseString": resp.Command})
}

// Response handles POST /response
func (h *TerminalHandler) Response(w http.ResponseWriter, r *http.Request) {
	var body resultBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	outcome, ok := models.ParseOutcome(body.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, services.ErrInvalidOutcome.Error())
		return
	}

	disposition, err := h.ingestor.Ingest(r.Context(), services.ResultSubmission{
		TransactionID: body.TransactionID,
		Outcome:       outcome,
		Result: models.Result{
			ResponseCode:      body.ResponseCode,
			AuthCode:          body.AuthCode,
			BatchNumber:       body.BatchNumber,
			SequenceNumber:    body.SequenceNumber,
			CardLast4:         body.CardLast4,
			Message:           body.Message,
			TerminalTimestamp: body.Timestamp,
		},
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultAck{Acknowledged: true, Disposition: disposition})
}
