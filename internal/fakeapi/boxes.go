package fakeapi

import (
	"encoding/json"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/misakey/apitest/internal/fakeapi/schema"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Box access modes
const (
	AccessModeLimited = "limited"
	AccessModePublic  = "public"
)

// Box lifecycles
const (
	LifecycleOpen   = "open"
	LifecycleClosed = "closed"
)

// Event types
const (
	EventCreate     = "create"
	EventMemberJoin = "member.join"
	EventMemberKick = "member.kick"
	EventMsgText    = "msg.text"
	EventMsgFile    = "msg.file"
	EventMsgEdit    = "msg.edit"
	EventMsgDelete  = "msg.delete"
	EventAccessMode = "state.access_mode"
	EventLifecycle  = "state.lifecycle"
	EventKeyShare   = "state.key_share"
	EventAccessAdd  = "access.add"
	EventAccessRm   = "access.rm"
)

// Access restriction types
const (
	RestrictionInvitationLink = "invitation_link"
	RestrictionIdentifier     = "identifier"
	RestrictionEmailDomain    = "email_domain"
)

const (
	batchTypeAccesses = "accesses"

	// maxEncryptedFileSize bounds the uploads kept in memory
	maxEncryptedFileSize = 8 << 20

	cryptoActionSetBoxKeyShare = "set_box_key_share"
	cryptoActionInvitation     = "invitation"
)

// senderView renders the identity or organization behind an event
func (server *Server) senderView(senderID string, disclose bool) map[string]any {
	view := map[string]any{"id": senderID, "display_name": "", "identifier_value": ""}
	if ident := server.identity(senderID); ident != nil {
		view["display_name"] = ident.DisplayName
		if disclose {
			view["identifier_value"] = ident.Email
		}
	} else if org := server.organization(senderID); org != nil {
		view["display_name"] = org.Name
	}
	return view
}

func (server *Server) boxView(bx *box, requesterID string) map[string]any {
	view := map[string]any{
		"id":           bx.ID,
		"title":        bx.Title,
		"public_key":   bx.PublicKey,
		"owner_org_id": bx.OwnerOrgID,
		"access_mode":  bx.AccessMode,
		"lifecycle":    bx.Lifecycle,
		"created_at":   bx.CreatedAt,
		"creator":      server.senderView(bx.CreatorID, bx.CreatorID == requesterID),
		"datatag_id":   nil,
		"subject":      nil,
		"data_subject": nil,
	}
	if bx.DatatagID != "" {
		view["datatag_id"] = bx.DatatagID
	}
	if bx.SubjectID != "" {
		disclose := bx.isAdmin(requesterID) || bx.SubjectID == requesterID
		subject := server.senderView(bx.SubjectID, disclose)
		view["subject"] = subject
		view["data_subject"] = subject["identifier_value"]
	}
	return view
}

func (server *Server) eventView(evt *event) map[string]any {
	view := map[string]any{
		"id":                      evt.ID,
		"box_id":                  evt.BoxID,
		"type":                    evt.Type,
		"content":                 evt.Content,
		"server_event_created_at": evt.CreatedAt,
		// identifiers are never disclosed while listing events
		"sender": server.senderView(evt.SenderID, false),
	}
	if evt.ReferrerID != "" {
		view["referrer_id"] = evt.ReferrerID
	}
	return view
}

// change accumulates the modifications events bring to a box until they are committed together
type change struct {
	box           *box
	events        []*event
	shares        []*keyShare
	removed       []*keyShare
	actions       []*cryptoAction
	notifications []*notification
	files         []*encryptedFile
	removedFiles  []*encryptedFile
}

func newChange(bx *box) *change {
	working := *bx
	working.Members = append([]string{}, bx.Members...)
	working.Accesses = append([]access{}, bx.Accesses...)
	working.JoinEvents = make(map[string]string, len(bx.JoinEvents))
	for member, eventID := range bx.JoinEvents {
		working.JoinEvents[member] = eventID
	}
	return &change{box: &working}
}

// commit stores every modification of the change in a single transaction
func (server *Server) commit(c *change) error {
	txn := server.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableBoxes, c.box); err != nil {
		return err
	}
	for _, share := range c.removed {
		if err := txn.Delete(tableKeyShares, share); err != nil {
			return err
		}
	}
	for _, share := range c.shares {
		if err := txn.Insert(tableKeyShares, share); err != nil {
			return err
		}
	}
	for _, evt := range c.events {
		if err := txn.Insert(tableEvents, evt); err != nil {
			return err
		}
	}
	for _, action := range c.actions {
		if err := txn.Insert(tableCryptoActions, action); err != nil {
			return err
		}
	}
	for _, notif := range c.notifications {
		if err := txn.Insert(tableNotifications, notif); err != nil {
			return err
		}
	}
	for _, file := range c.files {
		if err := txn.Insert(tableFiles, file); err != nil {
			return err
		}
	}
	for _, file := range c.removedFiles {
		if err := txn.Delete(tableFiles, file); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

type eventRequest struct {
	Type             string          `json:"type" required:"true"`
	Content          json.RawMessage `json:"content"`
	Extra            json.RawMessage `json:"extra"`
	ForServerNoStore json.RawMessage `json:"for_server_no_store"`
	ReferrerID       string          `json:"referrer_id"`
}

// eventError is a rejected event along with the status it is rejected with
type eventError struct {
	status int
	err    *schema.Error
}

func forbidden(message, field string) *eventError {
	return &eventError{http.StatusForbidden, schema.Forbidden(schema.OriginNotDef, message).Detail(field, schema.DetailForbidden)}
}

func badRequest(message, field, detail string) *eventError {
	return &eventError{http.StatusBadRequest, schema.BadRequest(schema.OriginBody, message).Detail(field, detail)}
}

func conflict(message, field string) *eventError {
	return &eventError{http.StatusConflict, schema.Conflict(schema.OriginNotDef, message).Detail(field, schema.DetailConflict)}
}

func gone(message, field string) *eventError {
	return &eventError{http.StatusGone, schema.Gone(schema.OriginNotDef, message).Detail(field, schema.DetailInvalid)}
}

var errNotMember = forbidden("identity is not a member of the box", "box_id")

// apply validates an event sent to the box of the change and records its effects
func (server *Server) apply(c *change, senderID string, request *eventRequest) (*event, *eventError) {
	bx := c.box
	evt := &event{
		ID:         uuid.NewString(),
		BoxID:      bx.ID,
		Type:       request.Type,
		SenderID:   senderID,
		Content:    request.Content,
		ReferrerID: request.ReferrerID,
		CreatedAt:  time.Now(),
	}
	if bx.Lifecycle == LifecycleClosed {
		if !bx.isMember(senderID) {
			return nil, errNotMember
		}
		return nil, conflict("the box is closed", "lifecycle")
	}
	creatorOnly := func() *eventError {
		if !bx.isAdmin(senderID) {
			return forbidden("only the creator can send "+request.Type+" events", "sender_id")
		}
		return nil
	}

	switch request.Type {
	case EventMemberJoin:
		if bx.isMember(senderID) {
			return nil, conflict("identity is already a member", "sender_id")
		}
		if !bx.canJoin(server.identity(senderID)) {
			return nil, forbidden("no access grants the identity to join the box", "access_mode")
		}
		bx.Members = append(bx.Members, senderID)
		bx.JoinEvents[senderID] = evt.ID
		evt.Content = nil

	case EventMsgText, EventMsgFile:
		if !bx.isMember(senderID) {
			return nil, errNotMember
		}
		var content struct {
			Encrypted string `json:"encrypted"`
		}
		if len(request.Content) == 0 || json.Unmarshal(request.Content, &content) != nil || content.Encrypted == "" {
			return nil, badRequest("invalid message content", "content.encrypted", schema.DetailRequired)
		}

	case EventMsgEdit:
		msg, err := server.referredMessage(bx, senderID, request.ReferrerID)
		if err != nil {
			return nil, err
		}
		if msg.SenderID != senderID {
			return nil, forbidden("only the author can edit a message", "sender_id")
		}
		if !msg.DeletedAt.IsZero() {
			return nil, gone("the message is deleted", "referrer_id")
		}
		if msg.Type != EventMsgText {
			return nil, forbidden("only text messages can be edited", "referrer_id")
		}
		var content struct {
			NewEncrypted string `json:"new_encrypted"`
			NewPublicKey string `json:"new_public_key"`
		}
		if len(request.Content) == 0 || json.Unmarshal(request.Content, &content) != nil || content.NewEncrypted == "" {
			return nil, badRequest("invalid edition content", "content.new_encrypted", schema.DetailRequired)
		}
		edited := *msg
		edited.Content, _ = json.Marshal(map[string]any{
			"encrypted":      content.NewEncrypted,
			"public_key":     content.NewPublicKey,
			"last_edited_at": evt.CreatedAt,
		})
		c.events = append(c.events, &edited)

	case EventMsgDelete:
		msg, err := server.referredMessage(bx, senderID, request.ReferrerID)
		if err != nil {
			return nil, err
		}
		if msg.SenderID != senderID && !bx.isAdmin(senderID) {
			return nil, forbidden("only the author or an admin can delete a message", "sender_id")
		}
		if !msg.DeletedAt.IsZero() {
			return nil, gone("the message is already deleted", "referrer_id")
		}
		deleted := *msg
		deleted.DeletedAt = evt.CreatedAt
		deleted.Content, _ = json.Marshal(map[string]any{
			"deleted": map[string]any{
				"at_time":     evt.CreatedAt,
				"by_identity": server.senderView(senderID, false),
			},
		})
		c.events = append(c.events, &deleted)
		if file, ok := server.first(tableFiles, "id", msg.FileID).(*encryptedFile); ok {
			c.removedFiles = append(c.removedFiles, file)
		}
		evt.Content = nil

	case EventAccessMode:
		if err := creatorOnly(); err != nil {
			return nil, err
		}
		var content struct {
			Value string `json:"value"`
		}
		_ = json.Unmarshal(request.Content, &content)
		if content.Value != AccessModePublic && content.Value != AccessModeLimited {
			return nil, badRequest("invalid access mode", "content.value", schema.DetailInvalid)
		}
		bx.AccessMode = content.Value

	case EventLifecycle:
		if err := creatorOnly(); err != nil {
			return nil, err
		}
		var content struct {
			State string `json:"state"`
		}
		_ = json.Unmarshal(request.Content, &content)
		if content.State != LifecycleClosed {
			return nil, badRequest("a box can only be closed", "content.state", schema.DetailInvalid)
		}
		bx.Lifecycle = LifecycleClosed

	case EventAccessAdd:
		if err := creatorOnly(); err != nil {
			return nil, err
		}
		var content struct {
			RestrictionType string `json:"restriction_type"`
			Value           string `json:"value"`
			AutoInvite      bool   `json:"auto_invite"`
		}
		_ = json.Unmarshal(request.Content, &content)
		switch content.RestrictionType {
		case RestrictionInvitationLink, RestrictionIdentifier, RestrictionEmailDomain:
		default:
			return nil, badRequest("invalid restriction type", "content.restriction_type", schema.DetailInvalid)
		}
		if content.Value == "" {
			return nil, badRequest("missing restriction value", "content.value", schema.DetailRequired)
		}
		if err := server.autoInvite(c, evt, content.RestrictionType, content.Value, content.AutoInvite, request.Extra); err != nil {
			return nil, err
		}
		bx.Accesses = append(bx.Accesses, access{
			ID:              evt.ID,
			RestrictionType: content.RestrictionType,
			Value:           content.Value,
			Content:         request.Content,
			SenderID:        senderID,
			CreatedAt:       evt.CreatedAt,
		})

	case EventAccessRm:
		if err := creatorOnly(); err != nil {
			return nil, err
		}
		index := -1
		for i, a := range bx.Accesses {
			if a.ID == request.ReferrerID {
				index = i
			}
		}
		if index < 0 {
			return nil, badRequest("no access is referred to", "referrer_id", schema.DetailInvalid)
		}
		bx.Accesses = append(bx.Accesses[:index], bx.Accesses[index+1:]...)
		evt.Content = nil

	case EventKeyShare:
		if err := creatorOnly(); err != nil {
			return nil, err
		}
		share, err := server.newKeyShare(bx.ID, request)
		if err != nil {
			return nil, err
		}
		if previous, ok := server.first(tableKeyShares, "id", bx.KeyShareHash).(*keyShare); ok {
			c.removed = append(c.removed, previous)
		}
		bx.KeyShareHash = share.OtherShareHash
		c.shares = append(c.shares, share)
		c.actions = append(c.actions, server.keyShareActions(bx, senderID, share)...)

	default:
		return nil, badRequest("unsupported event type", "type", schema.DetailInvalid)
	}

	c.events = append(c.events, evt)
	return evt, nil
}

// newKeyShare reads the key share carried by an event.
// Legacy clients send it in the extra field, newer ones in for_server_no_store.
func (server *Server) newKeyShare(boxID string, request *eventRequest) (*keyShare, *eventError) {
	field := "extra"
	raw := request.Extra
	if len(raw) == 0 {
		field, raw = "for_server_no_store", request.ForServerNoStore
	}
	share := &keyShare{BoxID: boxID}
	_ = json.Unmarshal(raw, share)

	validationErr := schema.BadRequest(schema.OriginBody, "invalid key share")
	if share.MisakeyShare == "" {
		validationErr.Detail(field+".misakey_share", schema.DetailRequired)
	}
	if share.OtherShareHash == "" {
		validationErr.Detail(field+".other_share_hash", schema.DetailRequired)
	}
	if share.EncryptedInvitationKeyShare == "" {
		validationErr.Detail(field+".encrypted_invitation_key_share", schema.DetailRequired)
	}
	if len(validationErr.Details) > 0 {
		return nil, &eventError{http.StatusBadRequest, validationErr}
	}
	if server.first(tableKeyShares, "id", share.OtherShareHash) != nil {
		return nil, conflict("key share already exists", field+".other_share_hash")
	}
	return share, nil
}

// keyShareActions creates the crypto actions telling the other members with an account about a new key share
func (server *Server) keyShareActions(bx *box, senderID string, share *keyShare) []*cryptoAction {
	var actions []*cryptoAction
	for _, member := range bx.Members {
		ident := server.identity(member)
		if member == senderID || ident == nil || ident.AccountID == "" {
			continue
		}
		actions = append(actions, &cryptoAction{
			ID:                  uuid.NewString(),
			AccountID:           ident.AccountID,
			SenderIdentityID:    senderID,
			Type:                cryptoActionSetBoxKeyShare,
			BoxID:               bx.ID,
			EncryptionPublicKey: ident.Pubkey,
			Encrypted:           share.EncryptedInvitationKeyShare,
			CreatedAt:           time.Now(),
		})
	}
	return actions
}

// referredMessage resolves the message an edition or a deletion refers to
func (server *Server) referredMessage(bx *box, senderID, referrerID string) (*event, *eventError) {
	if !bx.isMember(senderID) {
		return nil, errNotMember
	}
	if referrerID == "" {
		return nil, badRequest("missing referred message", "referrer_id", schema.DetailRequired)
	}
	msg, _ := server.first(tableEvents, "id", referrerID).(*event)
	if msg == nil || msg.BoxID != bx.ID {
		return nil, &eventError{http.StatusNotFound, schema.NotFound(schema.OriginBody, "referred message not found").Detail("referrer_id", schema.DetailNotFound)}
	}
	if msg.Type != EventMsgText && msg.Type != EventMsgFile {
		return nil, forbidden("only messages can be edited or deleted", "referrer_id")
	}
	return msg, nil
}

// identitiesByEmail returns the identities using the given identifier
func (server *Server) identitiesByEmail(email string) []*identity {
	var idents []*identity
	for _, obj := range server.all(tableIdentities, "email", strings.ToLower(email)) {
		idents = append(idents, obj.(*identity))
	}
	return idents
}

// invitationActions checks invitations holds exactly one encrypted invitation per public key of the invitees
// and creates the crypto actions delivering them, in the order of the invitees
func invitationActions(boxID, senderID string, invitees []*identity, invitations map[string]string, field string) ([]*cryptoAction, *eventError) {
	if len(invitations) != len(invitees) {
		return nil, badRequest("invitations do not match the public keys of the invitees", field, schema.DetailInvalid)
	}
	actions := make([]*cryptoAction, 0, len(invitees))
	for _, ident := range invitees {
		encrypted, ok := invitations[ident.Pubkey]
		if !ok {
			return nil, badRequest("an invitee public key has no invitation", field, schema.DetailInvalid)
		}
		actions = append(actions, &cryptoAction{
			ID:                  uuid.NewString(),
			AccountID:           ident.AccountID,
			SenderIdentityID:    senderID,
			Type:                cryptoActionInvitation,
			BoxID:               boxID,
			EncryptionPublicKey: ident.Pubkey,
			Encrypted:           encrypted,
			CreatedAt:           time.Now(),
		})
	}
	return actions, nil
}

// autoInvite delivers the invitations an identifier access carries to the identities it grants.
// Each invitee is notified about the crypto action holding its invitation.
func (server *Server) autoInvite(c *change, evt *event, restrictionType, value string, enabled bool, extra json.RawMessage) *eventError {
	var invitations map[string]string
	if len(extra) > 0 && json.Unmarshal(extra, &invitations) != nil {
		return badRequest("malformed invitations", "extra", schema.DetailMalformed)
	}
	if !enabled {
		if invitations != nil {
			return badRequest("invitations need auto invitation", "content.auto_invite", schema.DetailRequired)
		}
		return nil
	}
	if restrictionType != RestrictionIdentifier {
		return badRequest("only identifier accesses can auto invite", "content.restriction_type", schema.DetailInvalid)
	}
	if invitations == nil {
		return badRequest("missing invitations", "extra", schema.DetailRequired)
	}

	invitees := server.identitiesByEmail(value)
	for _, ident := range invitees {
		if ident.Pubkey == "" || ident.AccountID == "" {
			return conflict("an invitee has no public key", "content.value")
		}
	}
	actions, err := invitationActions(c.box.ID, evt.SenderID, invitees, invitations, "extra")
	if err != nil {
		return err
	}
	for i, action := range actions {
		details, _ := json.Marshal(map[string]any{"box_id": c.box.ID, "cryptoaction_id": action.ID, "used": false})
		c.notifications = append(c.notifications, server.newNotification(invitees[i].ID, NotificationBoxAutoInvite, details))
	}
	c.actions = append(c.actions, actions...)
	return nil
}

// kickRevoked removes the members no access grants anymore
func (server *Server) kickRevoked(c *change) {
	bx := c.box
	kept := bx.Members[:0]
	for _, member := range bx.Members {
		if bx.canJoin(server.identity(member)) {
			kept = append(kept, member)
			continue
		}
		kicked, _ := json.Marshal(map[string]string{"kicked_member_id": member})
		c.events = append(c.events, &event{
			ID:         uuid.NewString(),
			BoxID:      bx.ID,
			Type:       EventMemberKick,
			SenderID:   bx.CreatorID,
			Content:    kicked,
			ReferrerID: bx.JoinEvents[member],
			CreatedAt:  time.Now(),
		})
		delete(bx.JoinEvents, member)
	}
	bx.Members = kept
}

func (server *Server) writeEventError(writer http.ResponseWriter, err *eventError) {
	server.writer.WriteError(writer, err.status, err.err)
}

type endpointCreateBoxRequestPayload struct {
	Title          string            `json:"title" required:"true"`
	PublicKey      string            `json:"public_key" required:"true"`
	OwnerOrgID     string            `json:"owner_org_id"`
	KeyShare       *keyShare         `json:"key_share"`
	DatatagID      string            `json:"datatag_id"`
	DataSubject    string            `json:"data_subject"`
	InvitationData map[string]string `json:"invitation_data"`
}

// EndpointCreateBox handles the 'POST /boxes' endpoint
func (server *Server) EndpointCreateBox(writer http.ResponseWriter, request *http.Request) {
	server.createBox(writer, request, accessToken(request).IdentityID, "")
}

// EndpointCreateOrganizationBox handles the 'POST /organizations/{id}/boxes' endpoint
func (server *Server) EndpointCreateOrganizationBox(writer http.ResponseWriter, request *http.Request) {
	id := chi.URLParam(request, "id")
	org := server.organization(id)
	if org == nil {
		server.writer.WriteError(writer, http.StatusNotFound, schema.ErrNotFound)
		return
	}
	if accessToken(request).OrgID != org.ID {
		server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginHeaders, "only the organization can create its boxes"))
		return
	}
	server.createBox(writer, request, org.CreatorID, org.ID)
}

// EndpointGetOrganizationBox handles the 'GET /organizations/{id}/boxes/{box}' endpoint
func (server *Server) EndpointGetOrganizationBox(writer http.ResponseWriter, request *http.Request) {
	org := server.lookupManagedOrganization(writer, request)
	if org == nil {
		return
	}
	bx := server.box(chi.URLParam(request, "box"))
	if bx == nil || bx.OwnerOrgID != org.ID {
		server.writer.WriteError(writer, http.StatusNotFound, schema.NotFound(schema.OriginPath, "box not found").Detail("box", schema.DetailNotFound))
		return
	}
	server.writer.WriteJSON(writer, server.boxView(bx, org.ID))
}

func (server *Server) createBox(writer http.ResponseWriter, request *http.Request, creatorID, ownerOrgID string) {
	payload, validationErr, err := schema.UnmarshalBody[endpointCreateBoxRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}
	if ownerOrgID == "" {
		ownerOrgID = payload.OwnerOrgID
		if org := server.organization(ownerOrgID); ownerOrgID != "" && ownerOrgID != SelfClientID && (org == nil || org.CreatorID != creatorID) {
			server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginBody, "identity is not an admin of the owner organization").Detail("owner_org_id", schema.DetailForbidden))
			return
		}
	}
	if ownerOrgID == "" {
		ownerOrgID = SelfClientID
	}
	if payload.DatatagID != "" {
		tag, _ := server.first(tableDatatags, "id", payload.DatatagID).(*datatag)
		if tag == nil || tag.OrganizationID != ownerOrgID {
			server.writer.WriteError(writer, http.StatusForbidden, schema.Forbidden(schema.OriginBody, "datatag does not belong to the owner organization").Detail("datatag_id", schema.DetailForbidden))
			return
		}
	}

	now := time.Now()
	c := newChange(&box{
		ID:         uuid.NewString(),
		Title:      payload.Title,
		PublicKey:  payload.PublicKey,
		OwnerOrgID: ownerOrgID,
		CreatorID:  creatorID,
		AccessMode: AccessModeLimited,
		Lifecycle:  LifecycleOpen,
		Members:    []string{creatorID},
		DatatagID:  payload.DatatagID,
		CreatedAt:  now,
	})
	content, _ := json.Marshal(map[string]string{"public_key": payload.PublicKey, "title": payload.Title})
	c.events = append(c.events, &event{
		ID:        uuid.NewString(),
		BoxID:     c.box.ID,
		Type:      EventCreate,
		SenderID:  creatorID,
		Content:   content,
		CreatedAt: now,
	})
	if payload.KeyShare != nil {
		extra, _ := json.Marshal(payload.KeyShare)
		share, shareErr := server.newKeyShare(c.box.ID, &eventRequest{Extra: extra})
		if shareErr != nil {
			server.writeEventError(writer, shareErr)
			return
		}
		c.box.KeyShareHash = share.OtherShareHash
		c.shares = append(c.shares, share)
	}

	if payload.DataSubject != "" {
		subject, subjectErr := server.inviteDataSubject(c, creatorID, payload.DataSubject, payload.InvitationData)
		if subjectErr != nil {
			server.writeEventError(writer, subjectErr)
			return
		}
		if server.identity(subject.ID) == nil {
			if err := server.createIdentity(subject); err != nil {
				server.writer.WriteInternalError(writer, err)
				return
			}
		}
	}
	if err := server.commit(c); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteJSONCode(writer, http.StatusCreated, server.boxView(c.box, creatorID))
}

// inviteDataSubject makes the identity using the given identifier the subject of a new box.
// The identity is created if it does not exist yet; the returned one is then not stored.
// Subjects with a public key are sent their invitation through a crypto action.
func (server *Server) inviteDataSubject(c *change, creatorID, email string, invitations map[string]string) (*identity, *eventError) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return nil, badRequest("data subject is not an email", "data_subject", schema.DetailInvalid)
	}
	var subject *identity
	if idents := server.identitiesByEmail(email); len(idents) > 0 {
		subject = idents[0]
	} else {
		subject = newIdentity(email)
	}

	var invitees []*identity
	if subject.Pubkey != "" && subject.AccountID != "" {
		invitees = append(invitees, subject)
	}
	actions, err := invitationActions(c.box.ID, creatorID, invitees, invitations, "invitation_data")
	if err != nil {
		return nil, err
	}
	c.actions = append(c.actions, actions...)

	accessContent, _ := json.Marshal(map[string]string{"restriction_type": RestrictionIdentifier, "value": email})
	accessEvent := &event{
		ID:        uuid.NewString(),
		BoxID:     c.box.ID,
		Type:      EventAccessAdd,
		SenderID:  creatorID,
		Content:   accessContent,
		CreatedAt: time.Now(),
	}
	c.events = append(c.events, accessEvent)
	c.box.Accesses = append(c.box.Accesses, access{
		ID:              accessEvent.ID,
		RestrictionType: RestrictionIdentifier,
		Value:           email,
		Content:         accessContent,
		SenderID:        creatorID,
		CreatedAt:       accessEvent.CreatedAt,
	})
	c.box.SubjectID = subject.ID
	return subject, nil
}

// lookupBox resolves the box of the request path and writes the matching error if it does not exist.
// Unknown boxes are reported the same way as boxes the requester is not a member of.
func (server *Server) lookupBox(writer http.ResponseWriter, request *http.Request) *box {
	id := chi.URLParam(request, "id")
	if _, err := uuid.Parse(id); err != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginPath, "box id is not an uuid").Detail("id", schema.DetailMalformed))
		return nil
	}
	bx := server.box(id)
	if bx == nil {
		server.writeEventError(writer, errNotMember)
		return nil
	}
	return bx
}

// EndpointGetBox handles the 'GET /boxes/{id}' endpoint
func (server *Server) EndpointGetBox(writer http.ResponseWriter, request *http.Request) {
	bx := server.lookupBox(writer, request)
	if bx == nil {
		return
	}
	requesterID := accessToken(request).IdentityID
	if !bx.isMember(requesterID) && bx.AccessMode != AccessModePublic {
		server.writeEventError(writer, errNotMember)
		return
	}
	server.writer.WriteJSON(writer, server.boxView(bx, requesterID))
}

// EndpointListJoinedBoxes handles the 'GET /boxes/joined' endpoint
func (server *Server) EndpointListJoinedBoxes(writer http.ResponseWriter, request *http.Request) {
	requesterID := accessToken(request).IdentityID
	offset, _ := strconv.Atoi(request.URL.Query().Get("offset"))
	limit, err := strconv.Atoi(request.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 10
	}

	var boxes []*box
	for _, obj := range server.all(tableBoxes, "id") {
		if bx := obj.(*box); bx.isMember(requesterID) {
			boxes = append(boxes, bx)
		}
	}
	sort.SliceStable(boxes, func(i, j int) bool {
		return boxes[i].CreatedAt.After(boxes[j].CreatedAt)
	})

	views := make([]map[string]any, 0, limit)
	for i := offset; i >= 0 && i < len(boxes) && len(views) < limit; i++ {
		views = append(views, server.boxView(boxes[i], requesterID))
	}
	server.writer.WriteJSON(writer, views)
}

// EndpointPostEvent handles the 'POST /boxes/{id}/events' endpoint
func (server *Server) EndpointPostEvent(writer http.ResponseWriter, request *http.Request) {
	bx := server.lookupBox(writer, request)
	if bx == nil {
		return
	}
	payload, validationErr, err := schema.UnmarshalBody[eventRequest](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}
	if payload.Type == EventMsgFile {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginBody, "file messages are created by uploading encrypted files").Detail("type", schema.DetailInvalid))
		return
	}

	c := newChange(bx)
	evt, evtErr := server.apply(c, accessToken(request).actorID(), payload)
	if evtErr != nil {
		server.writeEventError(writer, evtErr)
		return
	}
	if payload.Type == EventAccessRm || payload.Type == EventAccessMode {
		server.kickRevoked(c)
	}
	if err := server.commit(c); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteJSONCode(writer, http.StatusCreated, server.eventView(evt))
}

type endpointBatchEventsRequestPayload struct {
	BatchType string          `json:"batch_type" required:"true"`
	Events    []*eventRequest `json:"events" required:"true"`
}

// EndpointBatchEvents handles the 'POST /boxes/{id}/batch-events' endpoint.
// Events of a batch are applied all together or not at all.
func (server *Server) EndpointBatchEvents(writer http.ResponseWriter, request *http.Request) {
	bx := server.lookupBox(writer, request)
	if bx == nil {
		return
	}
	payload, validationErr, err := schema.UnmarshalBody[endpointBatchEventsRequestPayload](request)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	if validationErr != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}
	if payload.BatchType != batchTypeAccesses {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginBody, "unsupported batch type").Detail("batch_type", schema.DetailInvalid))
		return
	}

	c := newChange(bx)
	senderID := accessToken(request).actorID()
	for i, evtRequest := range payload.Events {
		if evtRequest == nil || (evtRequest.Type != EventAccessAdd && evtRequest.Type != EventAccessRm) {
			server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginBody, "accesses batches only contain accesses").Detail("events."+strconv.Itoa(i)+".type", schema.DetailInvalid))
			return
		}
		if _, evtErr := server.apply(c, senderID, evtRequest); evtErr != nil {
			server.writeEventError(writer, evtErr)
			return
		}
	}
	server.kickRevoked(c)
	if err := server.commit(c); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}

	views := make([]map[string]any, 0, len(c.events))
	for _, evt := range c.events {
		views = append(views, server.eventView(evt))
	}
	server.writer.WriteJSONCode(writer, http.StatusCreated, views)
}

// EndpointListAccesses handles the 'GET /boxes/{id}/accesses' endpoint.
// The most recent accesses come first.
func (server *Server) EndpointListAccesses(writer http.ResponseWriter, request *http.Request) {
	bx := server.lookupBox(writer, request)
	if bx == nil {
		return
	}
	if bx.CreatorID != accessToken(request).IdentityID {
		server.writeEventError(writer, forbidden("only the creator can list accesses", "sender_id"))
		return
	}

	views := make([]map[string]any, 0, len(bx.Accesses))
	for i := len(bx.Accesses) - 1; i >= 0; i-- {
		a := bx.Accesses[i]
		views = append(views, server.eventView(&event{
			ID:        a.ID,
			BoxID:     bx.ID,
			Type:      EventAccessAdd,
			SenderID:  a.SenderID,
			Content:   a.Content,
			CreatedAt: a.CreatedAt,
		}))
	}
	server.writer.WriteJSON(writer, views)
}

// EndpointListEvents handles the 'GET /boxes/{id}/events' endpoint
func (server *Server) EndpointListEvents(writer http.ResponseWriter, request *http.Request) {
	bx := server.lookupBox(writer, request)
	if bx == nil {
		return
	}
	requesterID := accessToken(request).IdentityID
	if !bx.isMember(requesterID) {
		server.writeEventError(writer, errNotMember)
		return
	}
	if bx.Lifecycle == LifecycleClosed && bx.CreatorID != requesterID {
		server.writeEventError(writer, forbidden("the box is closed", "lifecycle"))
		return
	}

	var events []*event
	for _, obj := range server.all(tableEvents, "box", bx.ID) {
		events = append(events, obj.(*event))
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})

	views := make([]map[string]any, 0, len(events))
	for _, evt := range events {
		views = append(views, server.eventView(evt))
	}
	server.writer.WriteJSON(writer, views)
}

// EndpointListMembers handles the 'GET /boxes/{id}/members' endpoint.
// Only the creator of a box sees the identifiers of its members.
func (server *Server) EndpointListMembers(writer http.ResponseWriter, request *http.Request) {
	bx := server.lookupBox(writer, request)
	if bx == nil {
		return
	}
	requesterID := accessToken(request).IdentityID
	if !bx.isMember(requesterID) {
		server.writeEventError(writer, errNotMember)
		return
	}

	views := make([]map[string]any, 0, len(bx.Members))
	for _, member := range bx.Members {
		views = append(views, server.senderView(member, bx.CreatorID == requesterID))
	}
	server.writer.WriteJSON(writer, views)
}

// EndpointGetKeyShare handles the 'GET /box-key-shares/{hash}' endpoint
func (server *Server) EndpointGetKeyShare(writer http.ResponseWriter, request *http.Request) {
	share, _ := server.first(tableKeyShares, "id", chi.URLParam(request, "hash")).(*keyShare)
	if share == nil {
		server.writer.WriteError(writer, http.StatusNotFound, schema.NotFound(schema.OriginPath, "key share not found").Detail("other_share_hash", schema.DetailNotFound))
		return
	}
	bx := server.box(share.BoxID)
	if bx == nil || !bx.isMember(accessToken(request).IdentityID) {
		server.writeEventError(writer, errNotMember)
		return
	}
	server.writer.WriteJSON(writer, share.view())
}

// EndpointGetEncryptedInvitationKeyShare handles the 'GET /box-key-shares/encrypted-invitation-key-share' endpoint
func (server *Server) EndpointGetEncryptedInvitationKeyShare(writer http.ResponseWriter, request *http.Request) {
	boxID := request.URL.Query().Get("box_id")
	if _, err := uuid.Parse(boxID); err != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginQuery, "box id is not an uuid").Detail("box_id", schema.DetailMalformed))
		return
	}
	bx := server.box(boxID)
	if bx == nil || !bx.isMember(accessToken(request).IdentityID) {
		server.writeEventError(writer, errNotMember)
		return
	}
	share, _ := server.first(tableKeyShares, "id", bx.KeyShareHash).(*keyShare)
	if share == nil {
		server.writer.WriteError(writer, http.StatusNotFound, schema.NotFound(schema.OriginQuery, "the box has no key share").Detail("box_id", schema.DetailNotFound))
		return
	}
	server.writer.WriteJSON(writer, share.EncryptedInvitationKeyShare)
}

// EndpointUploadEncryptedFile handles the 'POST /boxes/{id}/encrypted-files' endpoint.
// The file is stored and announced by a file message created along with it.
func (server *Server) EndpointUploadEncryptedFile(writer http.ResponseWriter, request *http.Request) {
	bx := server.lookupBox(writer, request)
	if bx == nil {
		return
	}
	if err := request.ParseMultipartForm(maxEncryptedFileSize); err != nil {
		server.writer.WriteError(writer, http.StatusBadRequest, schema.BadRequest(schema.OriginBody, "request body is not a multipart form").Detail("body", schema.DetailMalformed))
		return
	}
	validationErr := schema.BadRequest(schema.OriginBody, "invalid encrypted file")
	file, _, err := request.FormFile("encrypted_file")
	if err != nil {
		validationErr.Detail("encrypted_file", schema.DetailRequired)
	}
	encryptedContent := request.FormValue("msg_encrypted_content")
	if encryptedContent == "" {
		validationErr.Detail("msg_encrypted_content", schema.DetailRequired)
	}
	publicKey := request.FormValue("msg_public_key")
	if publicKey == "" {
		validationErr.Detail("msg_public_key", schema.DetailRequired)
	}
	if len(validationErr.Details) > 0 {
		if file != nil {
			file.Close()
		}
		server.writer.WriteError(writer, http.StatusBadRequest, validationErr)
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}

	stored := &encryptedFile{ID: uuid.NewString(), BoxID: bx.ID, Content: content}
	msgContent, _ := json.Marshal(map[string]string{
		"encrypted":         encryptedContent,
		"public_key":        publicKey,
		"encrypted_file_id": stored.ID,
	})
	c := newChange(bx)
	evt, evtErr := server.apply(c, accessToken(request).actorID(), &eventRequest{Type: EventMsgFile, Content: msgContent})
	if evtErr != nil {
		server.writeEventError(writer, evtErr)
		return
	}
	evt.FileID = stored.ID
	c.files = append(c.files, stored)
	if err := server.commit(c); err != nil {
		server.writer.WriteInternalError(writer, err)
		return
	}
	server.writer.WriteJSONCode(writer, http.StatusCreated, server.eventView(evt))
}

// EndpointDownloadEncryptedFile handles the 'GET /encrypted-files/{id}' endpoint.
// Files of deleted messages are not found anymore.
func (server *Server) EndpointDownloadEncryptedFile(writer http.ResponseWriter, request *http.Request) {
	file, _ := server.first(tableFiles, "id", chi.URLParam(request, "id")).(*encryptedFile)
	if file == nil {
		server.writer.WriteError(writer, http.StatusNotFound, schema.NotFound(schema.OriginPath, "encrypted file not found").Detail("id", schema.DetailNotFound))
		return
	}
	bx := server.box(file.BoxID)
	if bx == nil || !bx.isMember(accessToken(request).actorID()) {
		server.writeEventError(writer, errNotMember)
		return
	}
	writer.Header().Set("Content-Type", "application/octet-stream")
	writer.WriteHeader(http.StatusOK)
	writer.Write(file.Content)
}
