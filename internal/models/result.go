package models

// Result is the structured payload reported by the terminal for a finished command.
type Result struct {
	ResponseCode      string `json:"responseCode,omitempty" bson:"response_code,omitempty"`
	AuthCode          string `json:"authCode,omitempty" bson:"auth_code,omitempty"`
	BatchNumber       string `json:"batchNumber,omitempty" bson:"batch_number,omitempty"`
	SequenceNumber    string `json:"sequenceNumber,omitempty" bson:"sequence_number,omitempty"`
	CardLast4         string `json:"cardLast4,omitempty" bson:"card_last4,omitempty"`
	Message           string `json:"message,omitempty" bson:"message,omitempty"`
	TerminalTimestamp string `json:"timestamp,omitempty" bson:"terminal_timestamp,omitempty"`
}
