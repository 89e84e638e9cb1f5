package license

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of the loaded token as seen from this
// device.
type Status string

const (
	StatusNone        Status = "NONE"
	StatusActive      Status = "ACTIVE"
	StatusExpired     Status = "EXPIRED"
	StatusTransferred Status = "TRANSFERRED"
)

// StatusResult summarizes the loaded token.
type StatusResult struct {
	Status         Status `json:"status"`
	HasToken       bool   `json:"has_token"`
	IsActivated    bool   `json:"is_activated"`
	IssueTime      int64  `json:"issue_time,omitempty"`
	ExpireTime     int64  `json:"expire_time,omitempty"`
	StateIndex     uint64 `json:"state_index"`
	TokenID        string `json:"token_id,omitempty"`
	HolderDeviceID string `json:"holder_device_id,omitempty"`
	AppID          string `json:"app_id,omitempty"`
	LicenseCode    string `json:"license_code,omitempty"`
}

// VerificationResult is the outcome of a verification. A failed result
// always carries a reason.
type VerificationResult struct {
	Valid        bool   `json:"valid"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func valid() VerificationResult {
	return VerificationResult{Valid: true}
}

func invalid(format string, args ...any) VerificationResult {
	return VerificationResult{ErrorMessage: fmt.Sprintf(format, args...)}
}

// ExportKind selects which snapshot ExportEncrypted writes.
type ExportKind string

const (
	ExportCurrent      ExportKind = "current"
	ExportActivated    ExportKind = "activated"
	ExportStateChanged ExportKind = "state-changed"
)

// ParseExportKind accepts the kind names and treats empty as current.
func ParseExportKind(s string) (ExportKind, error) {
	switch k := ExportKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return ExportCurrent, nil
	case ExportCurrent, ExportActivated, ExportStateChanged:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownExport, s)
	}
}

// EventType names a token change.
type EventType string

const (
	EventImported      EventType = "token_imported"
	EventActivated     EventType = "token_activated"
	EventUsageRecorded EventType = "usage_recorded"
	EventReset         EventType = "reset"
)

// Event is delivered to subscribers after the change is applied.
type Event struct {
	Type           EventType `json:"type"`
	TokenID        string    `json:"token_id,omitempty"`
	LicenseHash    string    `json:"license_hash,omitempty"`
	StateIndex     uint64    `json:"state_index"`
	HolderDeviceID string    `json:"holder_device_id,omitempty"`
	Time           time.Time `json:"time"`
}
