package socket

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"pulse/internal/apperr"
	"pulse/internal/delivery"
	"pulse/internal/notification"
	"pulse/internal/registry"
	"pulse/internal/storage"
	logx "pulse/pkg/logx"
)

// sendDedupPrefix keeps send claims apart from the queue's delivery claims,
// which use the bare sender:tempMessageId key.
const sendDedupPrefix = "send:"

type handlerFunc func(ctx context.Context, s *session, data json.RawMessage) error

func (h *Hub) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		EventSendMessage:          h.handleSendMessage,
		EventTyping:               h.handleTyping,
		EventMarkNotificationRead: h.handleMarkRead,
		EventCallUser:             h.handleCallUser,
		EventGetMessageStatus:     h.handleMessageStatus,
		EventPing:                 h.handlePing,
	}
}

// dispatch runs one inbound event. Errors and panics become an error frame;
// the channel stays open.
func (h *Hub) dispatch(s *session, f Frame) {
	defer func() {
		if p := recover(); p != nil {
			s.emitError(f.Event, apperr.Recovered(p))
		}
	}()
	fn, ok := h.handlers[f.Event]
	if !ok {
		s.emitError(f.Event, apperr.Invalid("unknown_event", "unknown event "+f.Event))
		return
	}
	if err := fn(s.ctx, s, f.Data); err != nil {
		s.emitError(f.Event, err)
	}
}

// handleSendMessage reports its own failures as messageError so the client
// can match them by tempMessageId.
func (h *Hub) handleSendMessage(ctx context.Context, s *session, data json.RawMessage) error {
	var req SendMessageRequest
	err := decode(data, &req)
	if err == nil {
		err = h.sendMessage(ctx, s, req)
	}
	if err != nil {
		ae := apperr.From(err)
		if ae.Kind == apperr.KindStore || ae.Kind == apperr.KindInternal {
			s.log.Error("send message failed", logx.Err(ae))
		}
		s.emit(EventMessageError, MessageError{
			Error:         ae.Message,
			Code:          ae.Code,
			TempMessageID: req.TempMessageID,
			RetryAfterMs:  retryMillis(ae.RetryAfter),
		})
	}
	return nil
}

func (h *Hub) sendMessage(ctx context.Context, s *session, req SendMessageRequest) error {
	sender := s.user.UserID
	if err := validateSendMessage(sender, req); err != nil {
		return err
	}
	if err := h.limit(h.limiters.Message, sender); err != nil {
		return err
	}

	key := ""
	if req.TempMessageID != "" {
		key = sender + ":" + req.TempMessageID
		dup, ack := h.claimSend(ctx, s, key)
		if dup {
			if ack != nil {
				s.emit(EventMessageSent, *ack)
				return nil
			}
			return apperr.Invalid("duplicate_message", "message already sent")
		}
	}

	ack, recipientID, err := h.storeAndRoute(ctx, s, req)
	if err != nil {
		if key != "" {
			h.unclaimSend(ctx, s, key)
		}
		return err
	}
	if key != "" {
		h.sent.Set(key, &ack, registry.WithTTL(h.queue.DedupWindow()))
	}

	s.emit(EventMessageSent, ack)
	h.publish(BusMessageSent, map[string]string{"sender": sender, "recipient": recipientID, "message": ack.Message.ID})
	h.notify(ctx, notification.Input{
		Recipient: recipientID,
		Sender:    sender,
		Type:      "message",
		Content:   preview(req),
		Data:      map[string]any{"messageId": ack.Message.ID, "messageType": req.Type},
	})
	return nil
}

// claimSend reserves key for one send. A duplicate returns the stored ack,
// or nil while the first send is still running or ran on another node.
func (h *Hub) claimSend(ctx context.Context, s *session, key string) (bool, *MessageSent) {
	fresh := false
	prev := h.sent.Update(key, func(cur *MessageSent, ok bool) (*MessageSent, bool) {
		fresh = !ok
		return cur, true
	}, registry.WithTTL(h.queue.DedupWindow()))
	if !fresh {
		return true, prev
	}
	claimed, err := h.queue.Claim(ctx, sendDedupPrefix+key)
	if err != nil {
		s.log.Warn("send dedup claim failed; sending anyway", logx.String("dedup_key", key), logx.Err(err))
		return false, nil
	}
	return !claimed, nil
}

func (h *Hub) unclaimSend(ctx context.Context, s *session, key string) {
	h.sent.Delete(key)
	if err := h.queue.Unclaim(ctx, sendDedupPrefix+key); err != nil {
		s.log.Warn("send dedup release failed", logx.String("dedup_key", key), logx.Err(err))
	}
}

// storeAndRoute persists the message and hands it to the recipient's
// channels, another node or the queue.
func (h *Hub) storeAndRoute(ctx context.Context, s *session, req SendMessageRequest) (MessageSent, string, error) {
	sender := s.user.UserID
	recipient, err := h.users.FindUser(ctx, req.RecipientID)
	if errors.Is(err, storage.ErrNotFound) {
		return MessageSent{}, "", apperr.Invalid("recipient_not_found", "recipient does not exist")
	}
	if err != nil {
		return MessageSent{}, "", apperr.Store(err)
	}

	rec, err := h.messages.CreateMessage(ctx, storage.Message{
		ID:          uuid.NewString(),
		SenderID:    sender,
		RecipientID: recipient.ID,
		Type:        req.Type,
		Content:     req.Content,
		Status:      storage.MessageSent,
		CreatedAt:   h.now(),
	})
	if err != nil {
		return MessageSent{}, "", apperr.Store(err)
	}
	msg := messageFromRecord(rec)
	received := MessageReceived{Message: msg}

	var trackingID string
	switch {
	case h.presence.IsOnline(recipient.ID):
		frame, err := encodeFrame(EventMessageReceived, received)
		if err != nil {
			return MessageSent{}, "", apperr.Internal(err)
		}
		if h.emitLocal(recipient.ID, frame) > 0 {
			if _, err := h.messages.UpdateMessageStatus(ctx, []string{rec.ID}, storage.MessageDelivered); err != nil {
				s.log.Warn("mark delivered failed", logx.String("message", rec.ID), logx.Err(err))
			}
			msg.Status = string(storage.MessageDelivered)
			break
		}
		// Every local channel refused the frame; fall back to the queue.
		trackingID = h.enqueue(ctx, s, recipient.ID, received, req.TempMessageID)
	case h.bp != nil && recipient.IsOnline:
		// Connected to another node.
		h.relay(ctx, userEnvelope(recipient.ID, EventMessageReceived), received)
	default:
		trackingID = h.enqueue(ctx, s, recipient.ID, received, req.TempMessageID)
	}
	return MessageSent{Message: msg, TempMessageID: req.TempMessageID, TrackingID: trackingID}, recipient.ID, nil
}

// enqueue queues a message for an offline recipient and tells the sender how
// many are waiting. A full queue is logged, not surfaced: the message is
// already stored.
func (h *Hub) enqueue(ctx context.Context, s *session, recipientID string, payload MessageReceived, tempID string) string {
	meta := map[string]string{
		delivery.MetaEvent: EventMessageReceived,
		metaMessageID:      payload.Message.ID,
	}
	if tempID != "" {
		meta[delivery.MetaDedupKey] = s.user.UserID + ":" + tempID
	}
	id, err := h.queue.Enqueue(ctx, recipientID, payload, delivery.Normal, meta)
	if err != nil {
		s.log.Warn("enqueue failed", logx.String("recipient", recipientID), logx.Err(err))
		return ""
	}
	s.emit(EventMessageStatus, MessageStatus{
		TrackingID:   id,
		Status:       string(delivery.StateQueued),
		PendingCount: h.queue.Pending(recipientID),
	})
	return id
}

func (h *Hub) notify(ctx context.Context, in notification.Input) {
	if h.bundler == nil {
		return
	}
	res, err := h.bundler.CreateWithBundling(ctx, in, true)
	if err != nil {
		h.log.Warn("notification failed", logx.String("recipient", in.Recipient), logx.Err(err))
		return
	}
	h.EmitToUser(ctx, in.Recipient, EventNotification, NotificationPush{
		Notification: notificationFromRecord(res.Notification),
		Bundled:      res.Bundled,
	})
}

func preview(req SendMessageRequest) string {
	if req.Type != "text" {
		return "sent a " + req.Type
	}
	const limit = 120
	r := []rune(req.Content)
	if len(r) <= limit {
		return req.Content
	}
	return string(r[:limit]) + "..."
}

func (h *Hub) handleTyping(ctx context.Context, s *session, data json.RawMessage) error {
	var req TypingRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := validateID("recipient", req.RecipientID); err != nil {
		return err
	}
	if err := h.limit(h.limiters.Typing, s.user.UserID); err != nil {
		return err
	}
	h.EmitToUser(ctx, req.RecipientID, EventUserTyping, UserTyping{UserID: s.user.UserID})
	return nil
}

func (h *Hub) handleMarkRead(ctx context.Context, s *session, data json.RawMessage) error {
	var req MarkReadRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.NotificationID == "" || len(req.NotificationID) > 64 {
		return apperr.Invalid("invalid_notification", "notificationId is required")
	}
	if h.bundler == nil {
		return apperr.Invalid("unsupported", "notifications are disabled")
	}
	if _, err := h.bundler.MarkAsRead(ctx, s.user.UserID, req.NotificationID); err != nil {
		return err
	}
	// Every device of the reader clears the badge.
	h.EmitToUser(ctx, s.user.UserID, EventNotificationRead, NotificationRead{NotificationID: req.NotificationID})
	return nil
}

func (h *Hub) handleCallUser(ctx context.Context, s *session, data json.RawMessage) error {
	var req CallRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := validateCall(s.user.UserID, req); err != nil {
		return err
	}
	if err := h.limit(h.limiters.Call, s.user.UserID); err != nil {
		return err
	}
	callID := uuid.NewString()
	call := IncomingCall{CallID: callID, CallerID: s.user.UserID, CallType: req.CallType}
	if h.presence.IsOnline(req.RecipientID) {
		h.EmitToUser(ctx, req.RecipientID, EventIncomingCall, call)
	} else {
		u, err := h.users.FindUser(ctx, req.RecipientID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return apperr.Invalid("recipient_not_found", "recipient does not exist")
		case err != nil:
			return apperr.Store(err)
		case h.bp == nil || !u.IsOnline:
			return apperr.Invalid("recipient_offline", "recipient is not online")
		}
		h.relay(ctx, userEnvelope(req.RecipientID, EventIncomingCall), call)
	}
	s.emit(EventCallInitiated, CallInitiated{CallID: callID, RecipientID: req.RecipientID, CallType: req.CallType})
	return nil
}

func (h *Hub) handleMessageStatus(_ context.Context, s *session, data json.RawMessage) error {
	var req StatusRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.TrackingID == "" {
		return apperr.Invalid("invalid_tracking_id", "trackingId is required")
	}
	st, ok := h.queue.Status(req.TrackingID)
	if !ok {
		return apperr.Invalid("unknown_tracking_id", "no status for trackingId")
	}
	s.emit(EventMessageStatus, MessageStatus{
		TrackingID:   st.TrackingID,
		Status:       string(st.State),
		Attempts:     st.Attempts,
		Reason:       st.Reason,
		PendingCount: h.queue.Pending(st.RecipientID),
	})
	return nil
}

func (h *Hub) handlePing(_ context.Context, s *session, _ json.RawMessage) error {
	s.emit(EventPong, Pong{ServerTime: h.now()})
	return nil
}
