package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/markjakearzadon/notipay-terminal.git/internal/models"
)

// Gateway statuses. PENDING means the remote terminal has not finished.
const (
	GatewayPending  = "PENDING"
	GatewayApproved = "APPROVED"
	GatewayDeclined = "DECLINED"
)

// ErrGateway wraps non-success responses from the remote gateway.
var ErrGateway = errors.New("gateway error")

type gatewaySubmitRequest struct {
	ReferenceID      string `json:"reference_id"`
	DeviceID         string `json:"device_id"`
	Amount           string `json:"amount"`
	InvoiceReference string `json:"invoice_reference"`
	Command          string `json:"command"`
}

// GatewayCharge is the remote gateway's view of one submitted command.
type GatewayCharge struct {
	ID             string `json:"id"`
	ReferenceID    string `json:"reference_id"`
	Status         string `json:"status"`
	ResponseCode   string `json:"response_code"`
	AuthCode       string `json:"auth_code"`
	BatchNumber    string `json:"batch_number"`
	SequenceNumber string `json:"sequence_number"`
	CardLast4      string `json:"card_last4"`
	Message        string `json:"message"`
	Timestamp      string `json:"timestamp"`
}

// Result converts the charge into the result payload stored on the transaction.
func (c *GatewayCharge) Result() models.Result {
	return models.Result{
		ResponseCode:      c.ResponseCode,
		AuthCode:          c.AuthCode,
		BatchNumber:       c.BatchNumber,
		SequenceNumber:    c.SequenceNumber,
		CardLast4:         c.CardLast4,
		Message:           c.Message,
		TerminalTimestamp: c.Timestamp,
	}
}

// GatewayClient talks to a remote payment gateway that owns its own terminal
// communication. It exposes the two primitives the relay needs: submit and poll.
type GatewayClient struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewGatewayClient(baseURL, secretKey string) *GatewayClient {
	return &GatewayClient{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Submit hands the command to the gateway and returns the gateway's charge id.
// The transaction id is sent as reference_id so a resubmission after a lost
// response does not create a second charge.
func (c *GatewayClient) Submit(ctx context.Context, tx *models.Transaction) (string, error) {
	reqBody := gatewaySubmitRequest{
		ReferenceID:      tx.ID,
		DeviceID:         tx.DeviceID,
		Amount:           tx.Amount.StringFixed(2),
		InvoiceReference: tx.InvoiceReference,
		Command:          string(tx.Command),
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Content-Type", "application/json")

	var charge GatewayCharge
	if err := c.do(req, &charge, http.StatusCreated, http.StatusOK); err != nil {
		return "", err
	}
	if charge.ID == "" {
		return "", fmt.Errorf("%w: submit response has no id", ErrGateway)
	}
	return charge.ID, nil
}

// Poll fetches the current state of a submitted charge.
func (c *GatewayClient) Poll(ctx context.Context, chargeID string) (*GatewayCharge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transactions/"+url.PathEscape(chargeID), nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.secretKey, "")

	var charge GatewayCharge
	if err := c.do(req, &charge, http.StatusOK); err != nil {
		return nil, err
	}
	return &charge, nil
}

func (c *GatewayClient) do(req *http.Request, out any, accept ...int) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for _, code := range accept {
		if resp.StatusCode == code {
			return json.NewDecoder(resp.Body).Decode(out)
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("%w: %s %s: %d %s", ErrGateway, req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
}
