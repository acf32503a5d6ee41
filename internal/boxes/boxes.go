// Package boxes contains helpers creating boxes and posting events to them
package boxes

import (
	"context"
	"encoding/base64"
	"fmt"
	"github.com/misakey/apitest/internal/checks"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/misakey/apitest/internal/random"
	"github.com/misakey/apitest/internal/session"
	"github.com/tidwall/gjson"
	"net/http"
)

const (
	// DefaultTitle is the title of boxes created by the helpers
	DefaultTitle = "Test Box"

	// DefaultPublicKey is the public key of boxes created by the helpers; the backend does not check it
	DefaultPublicKey = "ShouldBeUnpaddedUrlSafeBase64"
)

// Event types
const (
	TypeCreate     = "create"
	TypeMsgText    = "msg.text"
	TypeMsgFile    = "msg.file"
	TypeMsgEdit    = "msg.edit"
	TypeMsgDelete  = "msg.delete"
	TypeAccessMode = "state.access_mode"
	TypeKeyShare   = "state.key_share"
	TypeAccessAdd  = "access.add"
	TypeAccessRm   = "access.rm"
	TypeLifecycle  = "state.lifecycle"
	TypeMemberJoin = "member.join"
	TypeMemberKick = "member.kick"
)

// Access restriction types
const (
	RestrictionInvitationLink = "invitation_link"
	RestrictionIdentifier     = "identifier"
	RestrictionEmailDomain    = "email_domain"
)

// Access modes
const (
	AccessModePublic  = "public"
	AccessModeLimited = "limited"
)

// Event represents an event posted to a box
type Event struct {
	Type       string `json:"type"`
	Content    any    `json:"content,omitempty"`
	Extra      any    `json:"extra,omitempty"`
	ReferrerID string `json:"referrer_id,omitempty"`

	// ForServerNoStore carries data the backend uses without storing it in the event
	ForServerNoStore any `json:"for_server_no_store,omitempty"`
}

// KeyShare is the part of a box key the backend keeps for invited identities
type KeyShare struct {
	MisakeyShare                string `json:"misakey_share"`
	OtherShareHash              string `json:"other_share_hash"`
	EncryptedInvitationKeyShare string `json:"encrypted_invitation_key_share"`
}

// Box is a box created by the helpers
type Box struct {
	ID       string
	KeyShare *KeyShare
}

// NewMessageEvent creates a text message event with random encrypted content
func NewMessageEvent() *Event {
	return &Event{
		Type: TypeMsgText,
		Content: map[string]string{
			"encrypted":  base64.StdEncoding.EncodeToString(random.Bytes(32)),
			"public_key": base64.StdEncoding.EncodeToString(random.Bytes(32)),
		},
	}
}

// NewEditEvent creates an event replacing the content of the referred text message
func NewEditEvent(referrerID, encrypted, publicKey string) *Event {
	return &Event{
		Type: TypeMsgEdit,
		Content: map[string]string{
			"new_encrypted":  encrypted,
			"new_public_key": publicKey,
		},
		ReferrerID: referrerID,
	}
}

// NewDeleteEvent creates an event deleting the referred message
func NewDeleteEvent(referrerID string) *Event {
	return &Event{Type: TypeMsgDelete, ReferrerID: referrerID}
}

// NewAccessModeEvent creates an event changing the access mode of a box
func NewAccessModeEvent(mode string) *Event {
	return &Event{
		Type:    TypeAccessMode,
		Content: map[string]string{"value": mode},
	}
}

// NewKeyShare creates random box key shares
func NewKeyShare() *KeyShare {
	return &KeyShare{
		MisakeyShare:                random.Base64URL(16),
		OtherShareHash:              random.Base64URL(16),
		EncryptedInvitationKeyShare: base64.StdEncoding.EncodeToString(random.Bytes(32)),
	}
}

// NewKeyShareEvent creates a key share event with random shares
func NewKeyShareEvent() (*Event, *KeyShare) {
	share := NewKeyShare()
	return &Event{
		Type:    TypeKeyShare,
		Content: map[string]string{"other_share_hash": share.OtherShareHash},
		Extra:   share,
	}, share
}

// NewAccessEvent creates an event granting access to the identities matching a restriction
func NewAccessEvent(restrictionType, value string) *Event {
	return &Event{
		Type: TypeAccessAdd,
		Content: map[string]string{
			"restriction_type": restrictionType,
			"value":            value,
		},
	}
}

// NewInvitationLinkEvent creates an event granting access to the holders of an invitation link
func NewInvitationLinkEvent() *Event {
	return NewAccessEvent(RestrictionInvitationLink, random.Base64URL(16))
}

// NewAccessRemovalEvent creates an event removing the access created by the referred event
func NewAccessRemovalEvent(referrerID string) *Event {
	return &Event{Type: TypeAccessRm, ReferrerID: referrerID}
}

// NewCloseEvent creates an event closing a box
func NewCloseEvent() *Event {
	return &Event{
		Type:    TypeLifecycle,
		Content: map[string]string{"state": "closed"},
	}
}

// Creation is the body of a box creation request
type Creation struct {
	PublicKey  string `json:"public_key"`
	Title      string `json:"title"`
	OwnerOrgID string `json:"owner_org_id,omitempty"`
	DatatagID  string `json:"datatag_id,omitempty"`
	// DataSubject is the identifier of the identity the box is about
	DataSubject string `json:"data_subject,omitempty"`
	// InvitationData maps the public key of the data subject to its encrypted invitation
	InvitationData map[string]string `json:"invitation_data,omitempty"`
}

// NewCreation returns a box creation body with the default public key
func NewCreation(title string) *Creation {
	return &Creation{PublicKey: DefaultPublicKey, Title: title}
}

// PostBox posts a box creation request to target, expecting the box to be created unless other options say otherwise.
// Identities create boxes on '/boxes' and organizations on '/organizations/{id}/boxes'.
func PostBox(ctx context.Context, sess *session.Session, target string, creation *Creation, opts ...httpcall.Option) (*httpcall.Response, error) {
	opts = append([]httpcall.Option{
		httpcall.JSON(creation),
		httpcall.Expect(http.StatusCreated),
	}, opts...)
	return sess.Post(ctx, target, opts...)
}

// CreateBox creates a box owned by the frontend organization and checks its creator is the session identity
func CreateBox(ctx context.Context, sess *session.Session, title string) (string, error) {
	creation := NewCreation(title)
	creation.OwnerOrgID = sess.SelfClientID
	res, err := PostBox(ctx, sess, "/boxes", creation)
	if err != nil {
		return "", err
	}
	err = checks.Check(res,
		checks.NotEmpty("id"),
		checks.Equal("title", title),
		checks.Equal("owner_org_id", sess.SelfClientID),
		checks.Equal("creator.id", sess.IdentityID),
		checks.Equal("creator.identifier_value", sess.Email),
	)
	if err != nil {
		return "", err
	}
	return checks.Field(res, "id").String(), nil
}

// CreateOrgBox creates a box owned by the organization of an organization session
func CreateOrgBox(ctx context.Context, orgSession *session.Session, title string) (string, error) {
	res, err := PostBox(ctx, orgSession, "/organizations/"+orgSession.OrgID+"/boxes", NewCreation(title))
	if err != nil {
		return "", err
	}
	err = checks.Check(res,
		checks.NotEmpty("id"),
		checks.Equal("owner_org_id", orgSession.OrgID),
	)
	if err != nil {
		return "", err
	}
	return checks.Field(res, "id").String(), nil
}

// PostEvent posts an event to a box, expecting it to be created unless other options say otherwise
func PostEvent(ctx context.Context, sess *session.Session, boxID string, event *Event, opts ...httpcall.Option) (*httpcall.Response, error) {
	opts = append([]httpcall.Option{
		httpcall.JSON(event),
		httpcall.Expect(http.StatusCreated),
	}, opts...)
	return sess.Post(ctx, "/boxes/"+boxID+"/events", opts...)
}

// BatchAccesses posts access events to a box all at once, expecting them to be created unless other options say otherwise
func BatchAccesses(ctx context.Context, sess *session.Session, boxID string, events []*Event, opts ...httpcall.Option) (*httpcall.Response, error) {
	opts = append([]httpcall.Option{
		httpcall.JSON(map[string]any{
			"batch_type": "accesses",
			"events":     events,
		}),
		httpcall.Expect(http.StatusCreated),
	}, opts...)
	return sess.Post(ctx, "/boxes/"+boxID+"/batch-events", opts...)
}

// CreateBoxAndPostSomeEvents creates a box, shares its key, posts a message and optionally makes it public.
// It then checks the listing of the box events.
func CreateBoxAndPostSomeEvents(ctx context.Context, sess *session.Session, public bool) (*Box, error) {
	id, err := CreateBox(ctx, sess, DefaultTitle)
	if err != nil {
		return nil, err
	}

	keyShareEvent, share := NewKeyShareEvent()
	events := []*Event{keyShareEvent, NewMessageEvent()}
	if public {
		events = append(events, NewAccessModeEvent(AccessModePublic))
	}
	for _, event := range events {
		if _, err := PostEvent(ctx, sess, id, event); err != nil {
			return nil, err
		}
	}

	res, err := sess.Get(ctx, "/boxes/"+id+"/events", httpcall.Expect(http.StatusOK))
	if err != nil {
		return nil, err
	}
	// The creation of the box is an event too
	err = checks.Check(res,
		checks.Len("@this", len(events)+1),
		checks.Each("@this", func(_ int, event gjson.Result) error {
			for _, field := range []string{"id", "server_event_created_at", "type", "content"} {
				if !event.Get(field).Exists() {
					return fmt.Errorf("%s is missing", field)
				}
			}
			// identifiers are never disclosed while listing events
			return checks.Assert(event.Get("sender.identifier_value").String() == "", "sender identifier is disclosed")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Box{ID: id, KeyShare: share}, nil
}

// EncryptedFile is a file message as uploaded by a box member
type EncryptedFile struct {
	Content []byte
	// MessageContent holds what decrypts Content, encrypted with PublicKey
	MessageContent string
	PublicKey      string
}

// NewEncryptedFile creates a file message with random content
func NewEncryptedFile(size int) *EncryptedFile {
	return &EncryptedFile{
		Content:        random.Bytes(size),
		MessageContent: base64.StdEncoding.EncodeToString(random.Bytes(32)),
		PublicKey:      base64.StdEncoding.EncodeToString(random.Bytes(32)),
	}
}

// UploadEncryptedFile uploads a file message to a box and returns the id of the stored file.
// The file is expected to be created unless other options say otherwise.
func UploadEncryptedFile(ctx context.Context, sess *session.Session, boxID string, file *EncryptedFile, opts ...httpcall.Option) (*httpcall.Response, string, error) {
	opts = append([]httpcall.Option{
		httpcall.Multipart(
			map[string]string{
				"msg_encrypted_content": file.MessageContent,
				"msg_public_key":        file.PublicKey,
			},
			httpcall.MultipartFile{
				Field:       "encrypted_file",
				Name:        "blob",
				ContentType: "application/octet-stream",
				Content:     file.Content,
			},
		),
		httpcall.Expect(http.StatusCreated),
	}, opts...)
	res, err := sess.Post(ctx, "/boxes/"+boxID+"/encrypted-files", opts...)
	if err != nil || res.StatusCode != http.StatusCreated {
		return res, "", err
	}
	err = checks.Check(res,
		checks.Equal("type", TypeMsgFile),
		checks.Equal("content.encrypted", file.MessageContent),
		checks.NotEmpty("content.encrypted_file_id"),
	)
	if err != nil {
		return res, "", err
	}
	return res, checks.Field(res, "content.encrypted_file_id").String(), nil
}
