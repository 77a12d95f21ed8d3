package domain

import "time"

type SessionID string

// Session is a billable private call between a payer and a model.
// LastChargeAt only moves forward by whole minutes actually charged,
// and TotalChargedCC never decreases. Once EndAt is set the billing
// scheduler skips the session entirely.
type Session struct {
	ID             SessionID  `json:"id"`
	PayerID        string     `json:"payerId"`
	ModelID        string     `json:"modelId"`
	Wallet         WalletRef  `json:"wallet"`
	RateCC         int64      `json:"rateCc"`
	StartAt        time.Time  `json:"startAt"`
	EndAt          *time.Time `json:"endAt,omitempty"`
	LastChargeAt   time.Time  `json:"lastChargeAt"`
	TotalChargedCC int64      `json:"totalChargedCc"`
}

func (s *Session) Open() bool { return s.EndAt == nil }

// Duration is the billable wall time of the session so far.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndAt != nil {
		return s.EndAt.Sub(s.StartAt)
	}
	return now.Sub(s.StartAt)
}
