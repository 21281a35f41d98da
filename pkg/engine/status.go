package engine

import (
	"fmt"
	"sort"
	"time"
)

// OfferDecision is what an offer cycle did with one offer.
type OfferDecision string

const (
	// OfferAccepted means at least one requirement was launched on the offer.
	OfferAccepted OfferDecision = "ACCEPTED"
	// OfferCleaned means the offer only carried unreserve or destroy operations.
	OfferCleaned OfferDecision = "CLEANED"
	// OfferDeclined means nothing was applied to the offer.
	OfferDeclined OfferDecision = "DECLINED"
)

// Validate checks if the decision is valid.
func (d OfferDecision) Validate() error {
	switch d {
	case OfferAccepted, OfferCleaned, OfferDeclined:
		return nil
	default:
		return fmt.Errorf("invalid offer decision: %s", d)
	}
}

// IsUsed reports whether operations were applied to the offer.
func (d OfferDecision) IsUsed() bool {
	return d == OfferAccepted || d == OfferCleaned
}

// CycleSummary reports the outcome of one offer cycle.
type CycleSummary struct {
	Decisions map[string]OfferDecision `json:"decisions"`
	// Launched names the tasks launched, in launch order.
	Launched []string      `json:"launched,omitempty"`
	Duration time.Duration `json:"duration"`
}

// NewCycleSummary returns an empty summary.
func NewCycleSummary() *CycleSummary {
	return &CycleSummary{Decisions: make(map[string]OfferDecision)}
}

// Offers returns the ids of the offers with the given decision, sorted.
func (s *CycleSummary) Offers(decision OfferDecision) []string {
	var ids []string
	for id, d := range s.Decisions {
		if d == decision {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
