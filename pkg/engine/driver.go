package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/protocol"
	"github.com/openfroyo/offerd/pkg/stores"
)

// Driver applies the decisions of an offer cycle to the resource manager.
// Accept applies the operations to the offer in the given order.
type Driver interface {
	Accept(ctx context.Context, offerID string, operations []offer.Recommendation) error
	Decline(ctx context.Context, offerIDs []string) error
}

// Handler consumes what the resource manager sends: offer batches and task
// status updates.
type Handler interface {
	ResourceOffers(ctx context.Context, offers []offer.Offer) error
	StatusUpdate(ctx context.Context, status *stores.TaskStatus) error
}

// Recorder is a Driver that keeps its decisions in memory. It backs dry
// runs and tests.
type Recorder struct {
	mu       sync.Mutex
	order    []string
	accepted map[string][]offer.Recommendation
	declined []string
}

var _ Driver = (*Recorder)(nil)

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{accepted: make(map[string][]offer.Recommendation)}
}

// Accept records the operations for offerID. An offer can be used once.
func (r *Recorder) Accept(_ context.Context, offerID string, operations []offer.Recommendation) error {
	msg := &protocol.AcceptMessage{OfferID: offerID, Operations: operations}
	if err := msg.Validate(); err != nil {
		return NewPermanentError("invalid accept", err).
			WithCode(ErrCodeValidation).
			WithResource(offerID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accepted[offerID]; ok {
		return NewConflictError(fmt.Sprintf("offer %s already accepted", offerID), nil).WithCode(ErrCodeConflict)
	}
	r.accepted[offerID] = append([]offer.Recommendation(nil), operations...)
	r.order = append(r.order, offerID)
	return nil
}

// Decline records the declined offers.
func (r *Recorder) Decline(_ context.Context, offerIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.declined = append(r.declined, offerIDs...)
	return nil
}

// AcceptedOffers returns the accepted offer ids in acceptance order.
func (r *Recorder) AcceptedOffers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Operations returns the operations accepted for offerID.
func (r *Recorder) Operations(offerID string) []offer.Recommendation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]offer.Recommendation(nil), r.accepted[offerID]...)
}

// Declined returns the declined offer ids.
func (r *Recorder) Declined() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.declined...)
}

// Reset forgets all recorded decisions.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
	r.accepted = make(map[string][]offer.Recommendation)
	r.declined = nil
}
