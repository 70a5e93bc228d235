package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// VerificationEvent is published when a customer's purchase verification succeeds.
type VerificationEvent struct {
	VerificationID    string    `json:"verification_id"`
	CustomerPhone     string    `json:"customer_phone"`
	StoreID           string    `json:"store_id"`
	VerificationScore float64   `json:"verification_score"`
	VerifiedAt        time.Time `json:"verified_at"`
}

var ErrInvalidEvent = errors.New("scheduler: invalid verification event")

func (e VerificationEvent) Validate() error {
	var missing []string
	if strings.TrimSpace(e.VerificationID) == "" {
		missing = append(missing, "verification_id")
	}
	if strings.TrimSpace(e.CustomerPhone) == "" {
		missing = append(missing, "customer_phone")
	}
	if strings.TrimSpace(e.StoreID) == "" {
		missing = append(missing, "store_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEvent, strings.Join(missing, ", "))
	}
	if e.VerificationScore < 0 || e.VerificationScore > 1 {
		return fmt.Errorf("%w: verification_score must be within [0,1]", ErrInvalidEvent)
	}
	return nil
}

func ParseVerificationEvent(raw []byte) (VerificationEvent, error) {
	var e VerificationEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return VerificationEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return e, e.Validate()
}
