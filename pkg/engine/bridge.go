package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/openfroyo/offerd/pkg/offer"
	"github.com/openfroyo/offerd/pkg/protocol"
	"github.com/openfroyo/offerd/pkg/telemetry"
)

// Error codes sent back to the resource manager in ERROR messages.
const (
	BridgeErrInvalidMessage    = "INVALID_MESSAGE"
	BridgeErrUnexpectedMessage = "UNEXPECTED_MESSAGE"
)

// BridgeConfig contains bridge configuration options.
type BridgeConfig struct {
	Logger *telemetry.Logger

	// RefuseDuration asks the resource manager not to re-offer declined
	// resources for this long. Zero leaves the choice to the manager.
	RefuseDuration time.Duration
}

// Bridge connects the scheduler to a resource manager speaking the
// JSON-lines protocol. Inbound OFFERS and STATUS lines are handed to a
// Handler; the Driver methods write ACCEPT and DECLINE lines.
type Bridge struct {
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	logger  *telemetry.Logger
	refuse  time.Duration
}

var _ Driver = (*Bridge)(nil)

// NewBridge creates a bridge reading from r and writing to w.
func NewBridge(r io.Reader, w io.Writer, cfg *BridgeConfig) *Bridge {
	if cfg == nil {
		cfg = &BridgeConfig{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Bridge{
		encoder: protocol.NewEncoder(w),
		decoder: protocol.NewDecoder(r),
		logger:  logger.NewComponentLogger("bridge"),
		refuse:  cfg.RefuseDuration,
	}
}

// Accept writes an ACCEPT line for offerID.
func (b *Bridge) Accept(ctx context.Context, offerID string, operations []offer.Recommendation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &protocol.AcceptMessage{OfferID: offerID, Operations: operations}
	if err := msg.Validate(); err != nil {
		return NewPermanentError("invalid accept", err).
			WithCode(ErrCodeValidation).
			WithResource(offerID)
	}
	if err := b.encoder.EncodeAccept(msg); err != nil {
		return DriverError("accept", offerID, err)
	}
	b.logger.WithOfferID(offerID).WithField("operations", len(operations)).Debug("offer accepted")
	return nil
}

// Decline writes a DECLINE line for offerIDs. Declining nothing is a no-op.
func (b *Bridge) Decline(ctx context.Context, offerIDs []string) error {
	if len(offerIDs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &protocol.DeclineMessage{OfferIDs: offerIDs, RefuseSeconds: b.refuse.Seconds()}
	if err := b.encoder.EncodeDecline(msg); err != nil {
		return DriverError("decline", "", err)
	}
	b.logger.WithField("offers", len(offerIDs)).Debug("offers declined")
	return nil
}

type inbound struct {
	msg *protocol.Message
	err error
}

// Run announces the scheduler with READY and dispatches inbound messages
// to h until the input ends, the peer sends EXIT or ctx is done. A failing
// handler or a malformed line is answered with an ERROR line and does not
// stop the loop. The reader goroutine stays blocked until the input is
// closed by the caller.
func (b *Bridge) Run(ctx context.Context, h Handler) error {
	ready := &protocol.ReadyMessage{Version: protocol.Version, Role: "scheduler", PID: os.Getpid()}
	if err := b.encoder.EncodeReady(ready); err != nil {
		return DriverError("ready", "", err)
	}

	lines := make(chan inbound)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			msg, err := b.decoder.Decode()
			select {
			case lines <- inbound{msg, err}:
			case <-done:
				return
			}
			if err == io.EOF || errors.Is(err, protocol.ErrStreamBroken) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			b.exit("shutdown")
			return nil
		case in := <-lines:
			switch {
			case in.err == io.EOF:
				b.logger.Info("resource manager closed the bridge")
				return nil
			case errors.Is(in.err, protocol.ErrStreamBroken):
				return DriverError("read", "", in.err)
			case in.err != nil:
				b.logger.WithError(in.err).Warn("dropping malformed message")
				b.reply(BridgeErrInvalidMessage, in.err.Error(), false)
				continue
			}

			if in.msg.Type == protocol.MessageTypeExit {
				b.logger.Info("resource manager left")
				return nil
			}
			op := telemetry.StartOperation(ctx, "bridge."+strings.ToLower(string(in.msg.Type)))
			err := b.dispatch(op.Ctx, h, in.msg)
			op.End(err)
			if err != nil {
				var engErr *EngineError
				code := ErrCodeInternal
				if errors.As(err, &engErr) && engErr.Code != "" {
					code = engErr.Code
				}
				b.logger.WithError(err).WithField("type", string(in.msg.Type)).Error("failed to handle message")
				b.reply(code, err.Error(), IsRetryable(err))
			}
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, h Handler, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.MessageTypeOffers:
		var offers protocol.OffersMessage
		if err := protocol.DecodeData(msg, &offers); err != nil {
			return NewPermanentError("malformed offers", err).WithCode(BridgeErrInvalidMessage)
		}
		return h.ResourceOffers(ctx, offers.Offers)

	case protocol.MessageTypeStatus:
		var sm protocol.StatusMessage
		if err := protocol.DecodeData(msg, &sm); err != nil {
			return NewPermanentError("malformed status", err).WithCode(BridgeErrInvalidMessage)
		}
		status, err := sm.ToTaskStatus()
		if err != nil {
			return NewPermanentError("invalid status", err).WithCode(BridgeErrInvalidMessage)
		}
		return h.StatusUpdate(ctx, status)

	case protocol.MessageTypeReady:
		b.logger.Debug("resource manager ready")
		return nil

	default:
		return NewPermanentError(fmt.Sprintf("unexpected %s message", msg.Type), nil).
			WithCode(BridgeErrUnexpectedMessage)
	}
}

func (b *Bridge) reply(code, message string, retryable bool) {
	err := b.encoder.EncodeError(&protocol.ErrorMessage{
		Code:      code,
		Message:   message,
		Retryable: retryable,
	})
	if err != nil {
		b.logger.WithError(err).Warn("failed to send error message")
	}
}

func (b *Bridge) exit(reason string) {
	if err := b.encoder.EncodeExit(&protocol.ExitMessage{Reason: reason}); err != nil {
		b.logger.WithError(err).Debug("failed to send exit message")
	}
}
