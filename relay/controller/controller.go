// Package controller routes signaling envelopes between registered clients
// and keeps the presence and call log records.
package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"

	"ringlink/broker"
	"ringlink/broker/subscription"
	"ringlink/database"
	"ringlink/metric"
	"ringlink/pkg/socket"
	"ringlink/types/envelope"
)

// Outcomes recorded in the call log for calls the relay closes itself.
const (
	outcomeBusy        = "busy"
	outcomeRejected    = "rejected"
	outcomeUnavailable = "unavailable"
	outcomeEnded       = "ended"
)

// Controller handles one websocket connection per Process call.
type Controller struct {
	broker   *broker.Broker
	database database.Database
	metric   *metric.Metrics
}

// New creates a new instance of Controller.
func New(b *broker.Broker, db database.Database, m *metric.Metrics) *Controller {
	return &Controller{
		broker:   b,
		database: db,
		metric:   m,
	}
}

// Process serves the connection until the client closes it. The first
// envelope must be a REGISTER that binds the connection to a user identity.
// The writer subscription is opened before the presence record is stored so
// that no envelope can be published to a registered client without a writer.
func (c *Controller) Process(sock socket.Socket) error {
	c.metric.IncrementWebSocketConnections()
	defer c.metric.DecrementWebSocketConnections()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	userID, err := c.readRegister(sock)
	if err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	connRef := shortuuid.New()
	detail := broker.Detail(connRef)
	sub := c.broker.Subscribe(broker.ClientSocket, detail)
	defer func() {
		if err := c.broker.Unsubscribe(broker.ClientSocket, detail, sub); err != nil {
			log.Warn().Str("module", "relay").Err(err).Msg("failed to unsubscribe")
		}
	}()

	if _, err := c.database.CreateClientInfo(userID, connRef); err != nil {
		return fmt.Errorf("failed to create client info: %w", err)
	}
	defer c.unregister(userID, connRef)

	res, err := envelope.New(envelope.REGISTER, "", userID, envelope.Register{UserID: userID})
	if err != nil {
		return err
	}
	res.From = connRef
	if err := sock.WriteJSON(res); err != nil {
		return fmt.Errorf("failed to send register reply: %w", err)
	}

	go c.sendEnvelopes(ctx, sock, sub)

	if err := c.receiveEnvelopes(sock, userID, connRef); err != nil {
		return fmt.Errorf("failed to receive envelope: %w", err)
	}
	return nil
}

// readRegister reads the REGISTER envelope and returns the user identity.
func (c *Controller) readRegister(sock socket.Socket) (string, error) {
	var env envelope.Envelope
	if err := sock.ReadJSON(&env); err != nil {
		return "", fmt.Errorf("failed to read register envelope: %w", err)
	}
	if env.Type != envelope.REGISTER {
		return "", fmt.Errorf("expected type '%s', got '%s'", envelope.REGISTER, env.Type)
	}
	var payload envelope.Register
	if err := env.Decode(&payload); err != nil {
		return "", err
	}
	if payload.UserID == "" {
		return "", errors.New("empty user id")
	}
	return payload.UserID, nil
}

// unregister closes the calls the user is still part of, notifies the peers
// and removes the presence record.
func (c *Controller) unregister(userID, connRef string) {
	infos, err := c.database.FindOpenCallInfoByUser(userID)
	if err != nil {
		log.Warn().Str("module", "relay").Err(err).Msg("failed to find open calls")
	}
	for _, info := range infos {
		c.closeCall(info.ID, outcomeUnavailable)
		target, err := c.database.FindClientInfoByID(info.GetCounterpart(userID))
		if err != nil {
			continue
		}
		env, err := envelope.New(envelope.ENDCALL, info.ID, target.ConnRef, envelope.EndCall{Reason: outcomeUnavailable})
		if err != nil {
			continue
		}
		env.From = connRef
		if err := c.broker.Publish(broker.ClientSocket, broker.Detail(target.ConnRef), env); err != nil {
			log.Warn().Str("module", "relay").Err(err).Msg("failed to publish end of call")
		}
	}
	if err := c.database.DeleteClientInfoByID(userID); err != nil {
		log.Warn().Str("module", "relay").Err(err).Msg("failed to delete client info")
	}
}

// sendEnvelopes drains the connection's subscription and writes each
// envelope to the socket.
func (c *Controller) sendEnvelopes(ctx context.Context, sock socket.Socket, sub *subscription.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.Receive():
			if err := sock.WriteJSON(msg); err != nil {
				log.Debug().Str("module", "relay").Err(err).Msg("failed to write envelope")
				return
			}
		}
	}
}

// receiveEnvelopes reads envelopes from the socket until it fails.
func (c *Controller) receiveEnvelopes(sock socket.Socket, userID, connRef string) error {
	for {
		var env envelope.Envelope
		if err := sock.ReadJSON(&env); err != nil {
			return fmt.Errorf("failed to read envelope: %w", err)
		}
		if err := c.handleEnvelope(env, userID, connRef); err != nil {
			log.Warn().Str("module", "relay").Str("type", env.Type).Err(err).Msg("failed to handle envelope")
			continue
		}
	}
}

// handleEnvelope stamps the sender's connection ref into From and routes the
// envelope by type.
func (c *Controller) handleEnvelope(env envelope.Envelope, userID, connRef string) error {
	if err := env.Validate(); err != nil {
		return err
	}
	c.metric.CountEnvelope(env.Type)
	env.From = connRef

	switch env.Type {
	case envelope.REGISTER:
		return errors.New("connection already registered")
	case envelope.PREOFFER:
		return c.handlePreOffer(env, userID, connRef)
	case envelope.PREOFFERANSWER:
		return c.handlePreOfferAnswer(env)
	case envelope.ENDCALL:
		return c.handleEndCall(env)
	default:
		return c.deliver(env)
	}
}

// handlePreOffer opens the call log entry and forwards the pre-offer to the
// callee. When the callee is offline the relay answers UNAVAILABLE on the
// callee's behalf.
func (c *Controller) handlePreOffer(env envelope.Envelope, userID, connRef string) error {
	var payload envelope.PreOffer
	if err := env.Decode(&payload); err != nil {
		return err
	}
	payload.CallerID = userID
	payload.CallerRef = connRef
	out, err := envelope.New(envelope.PREOFFER, env.CorrelationID, env.To, payload)
	if err != nil {
		return err
	}
	out.From = connRef

	info, err := c.database.CreateCallInfo(env.CorrelationID, userID, env.To, payload.Media)
	if err != nil {
		return fmt.Errorf("failed to create call info: %w", err)
	}
	c.metric.IncrementActiveCalls()
	if err := c.broker.Publish(broker.Calls, broker.INITIATED, info); err != nil {
		log.Debug().Str("module", "relay").Err(err).Msg("call event dropped")
	}

	callee, err := c.database.FindClientInfoByID(env.To)
	if err != nil {
		c.closeCall(env.CorrelationID, outcomeUnavailable)
		return c.answerUnavailable(env, connRef)
	}
	if err := c.broker.Publish(broker.ClientSocket, broker.Detail(callee.ConnRef), out); err != nil {
		c.closeCall(env.CorrelationID, outcomeUnavailable)
		return c.answerUnavailable(env, connRef)
	}
	return nil
}

// answerUnavailable replies UNAVAILABLE to the caller on the callee's behalf.
func (c *Controller) answerUnavailable(env envelope.Envelope, connRef string) error {
	res, err := envelope.New(envelope.PREOFFERANSWER, env.CorrelationID, connRef,
		envelope.PreOfferAnswer{Answer: envelope.UNAVAILABLE})
	if err != nil {
		return err
	}
	res.From = env.To
	if err := c.broker.Publish(broker.ClientSocket, broker.Detail(connRef), res); err != nil {
		return fmt.Errorf("failed to publish unavailable answer: %w", err)
	}
	return nil
}

// handlePreOfferAnswer records the callee's decision and forwards it to the
// caller.
func (c *Controller) handlePreOfferAnswer(env envelope.Envelope) error {
	var payload envelope.PreOfferAnswer
	if err := env.Decode(&payload); err != nil {
		return err
	}
	switch payload.Answer {
	case envelope.ACCEPTED:
		info, err := c.database.UpdateCallInfoAnswered(env.CorrelationID)
		if err != nil {
			log.Warn().Str("module", "relay").Err(err).Msg("failed to record answered call")
		} else if err := c.broker.Publish(broker.Calls, broker.ANSWERED, info); err != nil {
			log.Debug().Str("module", "relay").Err(err).Msg("call event dropped")
		}
	case envelope.REJECTED:
		c.closeCall(env.CorrelationID, outcomeRejected)
	case envelope.BUSY:
		c.closeCall(env.CorrelationID, outcomeBusy)
	case envelope.UNAVAILABLE:
		c.closeCall(env.CorrelationID, outcomeUnavailable)
	default:
		return fmt.Errorf("unknown pre-offer answer: %s", payload.Answer)
	}
	return c.deliver(env)
}

// handleEndCall closes the call log entry and forwards the end of call to
// the peer.
func (c *Controller) handleEndCall(env envelope.Envelope) error {
	var payload envelope.EndCall
	if err := env.Decode(&payload); err != nil {
		return err
	}
	outcome := payload.Reason
	if outcome == "" {
		outcome = outcomeEnded
	}
	c.closeCall(env.CorrelationID, outcome)
	return c.deliver(env)
}

// closeCall marks the call ended once. Later close attempts for the same
// call are ignored.
func (c *Controller) closeCall(correlationID, outcome string) {
	existing, err := c.database.FindCallInfoByID(correlationID)
	if err != nil {
		log.Debug().Str("module", "relay").Err(err).Msg("no call to close")
		return
	}
	if !existing.IsOpen() {
		return
	}
	info, err := c.database.UpdateCallInfoEnded(correlationID, outcome)
	if err != nil {
		log.Warn().Str("module", "relay").Err(err).Msg("failed to record ended call")
		return
	}
	c.metric.DecrementActiveCalls()
	c.metric.CountCallOutcome(outcome)
	if err := c.broker.Publish(broker.Calls, broker.ENDED, info); err != nil {
		log.Debug().Str("module", "relay").Err(err).Msg("call event dropped")
	}
}

// deliver publishes the envelope to the target's connection writer. The To
// field may hold either a connection ref or a user identity.
func (c *Controller) deliver(env envelope.Envelope) error {
	target, err := c.database.FindClientInfoByRef(env.To)
	if err != nil {
		target, err = c.database.FindClientInfoByID(env.To)
	}
	if err != nil {
		return fmt.Errorf("no route to %s: %w", env.To, err)
	}
	if err := c.broker.Publish(broker.ClientSocket, broker.Detail(target.ConnRef), env); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}
