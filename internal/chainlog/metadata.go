package chainlog

import "time"

const metadataVersion = 1

// Metadata describes a stored chain. BaseIndex is the state index of the
// first logged record; it is non-zero only after a recovery dropped the
// head of the chain.
type Metadata struct {
	Version              int    `json:"version"`
	TotalStates          uint64 `json:"total_states"`
	BaseIndex            uint64 `json:"base_index"`
	LastVerificationTime int64  `json:"last_verification_time"`
	LicenseID            string `json:"license_id"`
}

// LastVerified returns LastVerificationTime as a time, zero when never set.
func (m Metadata) LastVerified() time.Time {
	if m.LastVerificationTime == 0 {
		return time.Time{}
	}
	return time.Unix(m.LastVerificationTime, 0)
}
