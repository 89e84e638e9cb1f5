// Package domain holds the request and response bodies of the license API.
// Validation rules are struct tags checked by the server's request
// validator.
package domain

import "encoding/json"

// ProductKeyRequest installs a product key. The body is the product key file
// as written by the issuer: the license public key PEM, optionally followed
// by "|" and the root signature.
type ProductKeyRequest struct {
	ProductKey string `json:"product_key" validate:"required,max=16384"`
}

// TokenRequest carries a token in plaintext JSON or in the encrypted form.
// Used by import and activate.
type TokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// UsageRequest appends one usage state. Payload must be a JSON object; its
// "action" member names the record and defaults to "usage".
type UsageRequest struct {
	Payload string `json:"payload" validate:"required,max=65536"`
}

// VerificationResponse reports a verification outcome. A failed outcome
// always carries a reason.
type VerificationResponse struct {
	Valid        bool   `json:"valid"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// UsageResponse describes the state a usage record produced.
type UsageResponse struct {
	TokenID        string `json:"token_id"`
	StateIndex     uint64 `json:"state_index"`
	PrevStateHash  string `json:"prev_state_hash"`
	UsageRecords   int    `json:"usage_records"`
	HolderDeviceID string `json:"holder_device_id"`
}

// ExportResponse carries an encrypted token snapshot.
type ExportResponse struct {
	Kind      string `json:"kind"`
	Encrypted string `json:"encrypted"`
}

// TokenResponse carries the held token as plaintext JSON.
type TokenResponse struct {
	Token json.RawMessage `json:"token"`
}

// MessageResponse is the body of operations with nothing else to report.
type MessageResponse struct {
	Message string `json:"message"`
}
