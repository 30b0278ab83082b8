package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"girder/api/internal/util"
)

// Router dispatches typed inbound events for one registry. Events from one
// connection are dispatched synchronously on that connection's read loop, so
// per-connection receipt order is preserved by construction; ordering across
// connections is defined only by the session version counter.
type Router struct {
	registry *Registry
}

func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Dispatch routes one inbound event. Errors are surfaced only to the
// submitting connection; broadcasts never report delivery failures back.
func (rt *Router) Dispatch(ctx context.Context, connectionID string, ev Inbound) error {
	sess, p, err := rt.registry.lookup(connectionID)
	if err != nil {
		return err
	}

	switch ev.Type {
	case EventCursorMove:
		var payload cursorPayload
		if err := decodePayload(ev.Payload, &payload); err != nil {
			return err
		}
		rt.registry.markSeen(sess, connectionID, payload.Position)
		sess.broadcast(connectionID, Outbound{
			Type: string(EventCursorMove),
			Data: map[string]any{
				"userId":   p.UserID,
				"name":     p.DisplayName,
				"position": payload.Position,
			},
		})
		return nil

	case EventSelectionChange:
		var payload struct {
			Selection map[string]any `json:"selection"`
		}
		if err := decodePayload(ev.Payload, &payload); err != nil {
			return err
		}
		rt.registry.markSeen(sess, connectionID, nil)
		sess.broadcast(connectionID, Outbound{
			Type: string(EventSelectionChange),
			Data: map[string]any{
				"userId":    p.UserID,
				"name":      p.DisplayName,
				"selection": payload.Selection,
			},
		})
		return nil

	case EventTypingStart, EventTypingStop:
		rt.registry.markSeen(sess, connectionID, nil)
		sess.broadcast(connectionID, Outbound{
			Type: string(ev.Type),
			Data: map[string]any{
				"userId": p.UserID,
				"name":   p.DisplayName,
			},
		})
		return nil

	case EventDocumentChange:
		var payload documentChangePayload
		if err := decodePayload(ev.Payload, &payload); err != nil {
			return err
		}
		rt.registry.markSeen(sess, connectionID, nil)
		now := rt.registry.now()
		newVersion, err := sess.apply(payload.Changes, payload.ExpectedVersion, now)
		if err != nil {
			return err
		}
		sess.broadcast(connectionID, Outbound{
			Type: string(EventDocumentChange),
			Data: map[string]any{
				"changes":    payload.Changes,
				"newVersion": newVersion,
				"authorId":   p.UserID,
				"timestamp":  now.UTC().Format(time.RFC3339),
			},
		})
		return nil

	case EventAddComment:
		var payload commentPayload
		if err := decodePayload(ev.Payload, &payload); err != nil {
			return err
		}
		rt.registry.markSeen(sess, connectionID, nil)
		commentID := payload.CommentID
		if commentID == "" {
			commentID = util.NewID("cmt")
		}
		// Acknowledgment pattern: the author receives its own comment back
		// with the server-assigned metadata.
		sess.broadcast("", Outbound{
			Type: "comment-added",
			Data: map[string]any{
				"commentId": commentID,
				"body":      payload.Body,
				"anchor":    payload.Anchor,
				"userId":    p.UserID,
				"name":      p.DisplayName,
				"role":      p.Role,
				"timestamp": rt.registry.now().UTC().Format(time.RFC3339),
			},
		})
		return nil

	case EventResolveComment:
		var payload commentPayload
		if err := decodePayload(ev.Payload, &payload); err != nil {
			return err
		}
		rt.registry.markSeen(sess, connectionID, nil)
		sess.broadcast("", Outbound{
			Type: "comment-resolved",
			Data: map[string]any{
				"commentId":  payload.CommentID,
				"resolvedBy": p.UserID,
				"name":       p.DisplayName,
				"timestamp":  rt.registry.now().UTC().Format(time.RFC3339),
			},
		})
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

func decodePayload(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	return nil
}
