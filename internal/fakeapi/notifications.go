package fakeapi

import (
	"encoding/json"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/misakey/apitest/internal/fakeapi/schema"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Notification types
const (
	NotificationCreateIdentity = "user.create_identity"
	NotificationCreateAccount  = "user.create_account"
	NotificationBoxAutoInvite  = "box.auto_invite"
)

func newIdentity(email string) *identity {
	return &identity{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: strings.SplitN(email, "@", 2)[0],
	}
}

// createIdentity stores a new identity and welcomes it with a notification
func (server *Server) createIdentity(ident *identity) error {
	if err := server.save(tableIdentities, ident); err != nil {
		return err
	}
	return server.save(tableNotifications, server.newNotification(ident.ID, NotificationCreateIdentity, nil))
}

func (server *Server) newNotification(identityID, notifType string, details json.RawMessage) *notification {
	return &notification{
		ID:         int(server.notificationSeq.Add(1)),
		IdentityID: identityID,
		Type:       notifType,
		Details:    details,
		CreatedAt:  time.Now(),
	}
}

func notificationView(notif *notification) map[string]any {
	var details any
	if len(notif.Details) > 0 {
		details = notif.Details
	}
	return map[string]any{
		"id":              notif.ID,
		"type":            notif.Type,
		"details":         details,
		"created_at":      notif.CreatedAt,
		"acknowledged_at": notif.AcknowledgedAt,
	}
}

// markInvitationUsed flags the auto invitation notifications pointing at a consumed crypto action
func (server *Server) markInvitationUsed(cryptoActionID string) error {
	var used []any
	for _, obj := range server.all(tableNotifications, "id") {
		notif := obj.(*notification)
		if notif.Type != NotificationBoxAutoInvite {
			continue
		}
		details := map[string]any{}
		if err := json.Unmarshal(notif.Details, &details); err != nil {
			return err
		}
		if details["cryptoaction_id"] != cryptoActionID {
			continue
		}
		details["used"] = true
		updated := *notif
		updated.Details, _ = json.Marshal(details)
		used = append(used, &updated)
	}
	return server.save(tableNotifications, used...)
}

// ownNotifications returns the notifications of the identity of the request path, most recent first.
// Identities can only read their own notifications.
func (server *Server) ownNotifications(writer http.ResponseWriter, request *http.Request) ([]*notification, bool) {
	id := chi.URLParam(request, "id")
	if accessToken(request).IdentityID != id {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginPath, "notifications can only be read by their identity").Detail("id", schema.DetailForbidden))
		return nil, false
	}
	notifs := []*notification{}
	for _, obj := range server.all(tableNotifications, "identity", id) {
		notifs = append(notifs, obj.(*notification))
	}
	sort.SliceStable(notifs, func(i, j int) bool {
		return notifs[i].ID > notifs[j].ID
	})
	return notifs, true
}

// EndpointCountNotifications handles the 'HEAD /identities/{id}/notifications' endpoint.
// Acknowledged notifications are not counted.
func (server *Server) EndpointCountNotifications(writer http.ResponseWriter, request *http.Request) {
	notifs, ok := server.ownNotifications(writer, request)
	if !ok {
		return
	}
	count := 0
	for _, notif := range notifs {
		if notif.AcknowledgedAt == nil {
			count++
		}
	}
	writer.Header().Set("X-Total-Count", strconv.Itoa(count))
	server.writer.WriteNoContent(writer)
}

// EndpointListNotifications handles the 'GET /identities/{id}/notifications' endpoint
func (server *Server) EndpointListNotifications(writer http.ResponseWriter, request *http.Request) {
	notifs, ok := server.ownNotifications(writer, request)
	if !ok {
		return
	}
	offset, _ := strconv.Atoi(request.URL.Query().Get("offset"))
	limit, err := strconv.Atoi(request.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 10
	}

	views := make([]map[string]any, 0, limit)
	for i := offset; i >= 0 && i < len(notifs) && len(views) < limit; i++ {
		views = append(views, notificationView(notifs[i]))
	}
	server.writer.WriteJSON(writer, views)
}

// EndpointAcknowledgeNotifications handles the 'PUT /identities/{id}/notifications/acknowledgement?ids={ids}' endpoint.
// Unknown ids are ignored.
func (server *Server) EndpointAcknowledgeNotifications(writer http.ResponseWriter, request *http.Request) {
	notifs, ok := server.ownNotifications(writer, request)
	if !ok {
		return
	}
	ids := map[int]bool{}
	for _, raw := range strings.Split(request.URL.Query().Get("ids"), ",") {
		id, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginQuery, "notification ids are not integers").Detail("ids", schema.DetailMalformed))
			return
		}
		ids[id] = true
	}

	now := time.Now()
	var acknowledged []any
	for _, notif := range notifs {
		if ids[notif.ID] && notif.AcknowledgedAt == nil {
			updated := *notif
			updated.AcknowledgedAt = &now
			acknowledged = append(acknowledged, &updated)
		}
	}
	if err := server.save(tableNotifications, acknowledged...); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteNoContent(writer)
}
