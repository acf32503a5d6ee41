package fakeapi

import (
	"encoding/json"
	"github.com/hashicorp/go-memdb"
	"strings"
	"time"
)

const (
	tableIdentities    = "identities"
	tableFlows         = "flows"
	tableAuthnSteps    = "authn_steps"
	tableTokens        = "tokens"
	tableBoxes         = "boxes"
	tableEvents        = "events"
	tableOrganizations = "organizations"
	tableCryptoActions = "crypto_actions"
	tableKeyShares     = "key_shares"
	tableRootKeyShares = "root_key_shares"
	tableDatatags      = "datatags"
	tableFiles         = "encrypted_files"
	tableNotifications = "notifications"
	tableBackupShares  = "backup_key_shares"
)

func uniqueString(field string) *memdb.IndexSchema {
	return &memdb.IndexSchema{
		Name:    "id",
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: field},
	}
}

func optionalString(name, field string, unique bool) *memdb.IndexSchema {
	return &memdb.IndexSchema{
		Name:         name,
		Unique:       unique,
		AllowMissing: true,
		Indexer:      &memdb.StringFieldIndex{Field: field},
	}
}

var dbSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableIdentities: {
			Name: tableIdentities,
			Indexes: map[string]*memdb.IndexSchema{
				"id":    uniqueString("ID"),
				"email": optionalString("email", "Email", true),
			},
		},
		tableFlows: {
			Name: tableFlows,
			Indexes: map[string]*memdb.IndexSchema{
				"id":               uniqueString("LoginChallenge"),
				"loginVerifier":    optionalString("loginVerifier", "LoginVerifier", true),
				"consentChallenge": optionalString("consentChallenge", "ConsentChallenge", true),
				"consentVerifier":  optionalString("consentVerifier", "ConsentVerifier", true),
				"code":             optionalString("code", "Code", true),
				"authnToken":       optionalString("authnToken", "AuthnToken", true),
			},
		},
		tableAuthnSteps: {
			Name: tableAuthnSteps,
			Indexes: map[string]*memdb.IndexSchema{
				"id":       uniqueString("ID"),
				"identity": optionalString("identity", "IdentityID", false),
			},
		},
		tableTokens: {
			Name: tableTokens,
			Indexes: map[string]*memdb.IndexSchema{
				"id": uniqueString("Token"),
			},
		},
		tableBoxes: {
			Name: tableBoxes,
			Indexes: map[string]*memdb.IndexSchema{
				"id": uniqueString("ID"),
			},
		},
		tableEvents: {
			Name: tableEvents,
			Indexes: map[string]*memdb.IndexSchema{
				"id":  uniqueString("ID"),
				"box": optionalString("box", "BoxID", false),
			},
		},
		tableOrganizations: {
			Name: tableOrganizations,
			Indexes: map[string]*memdb.IndexSchema{
				"id": uniqueString("ID"),
			},
		},
		tableCryptoActions: {
			Name: tableCryptoActions,
			Indexes: map[string]*memdb.IndexSchema{
				"id":      uniqueString("ID"),
				"account": optionalString("account", "AccountID", false),
			},
		},
		tableKeyShares: {
			Name: tableKeyShares,
			Indexes: map[string]*memdb.IndexSchema{
				"id": uniqueString("OtherShareHash"),
			},
		},
		tableRootKeyShares: {
			Name: tableRootKeyShares,
			Indexes: map[string]*memdb.IndexSchema{
				"id": uniqueString("OtherShareHash"),
			},
		},
		tableDatatags: {
			Name: tableDatatags,
			Indexes: map[string]*memdb.IndexSchema{
				"id":           uniqueString("ID"),
				"organization": optionalString("organization", "OrganizationID", false),
			},
		},
		tableFiles: {
			Name: tableFiles,
			Indexes: map[string]*memdb.IndexSchema{
				"id": uniqueString("ID"),
			},
		},
		tableNotifications: {
			Name: tableNotifications,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.IntFieldIndex{Field: "ID"},
				},
				"identity": optionalString("identity", "IdentityID", false),
			},
		},
		tableBackupShares: {
			Name: tableBackupShares,
			Indexes: map[string]*memdb.IndexSchema{
				"id": uniqueString("OtherShareHash"),
			},
		},
	},
}

type identity struct {
	ID                        string
	Email                     string
	AccountID                 string
	DisplayName               string
	Pubkey                    string
	NonIdentifiedPubkey       string
	PubkeyAESRSA              string
	NonIdentifiedPubkeyAESRSA string
	Consented                 bool
	Secrets                   json.RawMessage
	// ShareEmail discloses the identifier on the public profile
	ShareEmail bool
}

// flow is an in-progress authorization request, from the login challenge to the authorization code
type flow struct {
	LoginChallenge   string
	ClientID         string
	RedirectURI      string
	State            string
	Scopes           []string
	ACR              int
	IdentityID       string
	PasswordReset    bool
	AuthnToken       string
	AMR              []string
	LoginVerifier    string
	ConsentChallenge string
	ConsentVerifier  string
	Code             string
}

type authnStep struct {
	ID         string
	IdentityID string
	Code       string
	CreatedAt  time.Time
}

// token is an access token, issued either to an identity or to an organization
type token struct {
	Token      string
	IdentityID string
	OrgID      string
	ACR        int
}

// actorID returns the identity the token acts as, or its organization for organization tokens
func (tok *token) actorID() string {
	if tok.IdentityID != "" {
		return tok.IdentityID
	}
	return tok.OrgID
}

type box struct {
	ID           string
	Title        string
	PublicKey    string
	OwnerOrgID   string
	CreatorID    string
	AccessMode   string
	Lifecycle    string
	Members      []string
	Accesses     []access
	KeyShareHash string
	DatatagID    string
	SubjectID    string
	// JoinEvents maps members to the id of the event they joined with
	JoinEvents map[string]string
	CreatedAt  time.Time
}

// access is a rule granting identities the right to join a box.
// Its id is the id of the access.add event which created it.
type access struct {
	ID              string
	RestrictionType string
	Value           string
	Content         json.RawMessage
	SenderID        string
	CreatedAt       time.Time
}

func (a access) grants(ident *identity) bool {
	switch a.RestrictionType {
	case RestrictionInvitationLink:
		return true
	case RestrictionIdentifier:
		return ident != nil && strings.EqualFold(ident.Email, a.Value)
	case RestrictionEmailDomain:
		return ident != nil && strings.HasSuffix(strings.ToLower(ident.Email), "@"+strings.ToLower(a.Value))
	}
	return false
}

// isMember reports whether the identity is a member of the box.
// The organization owning a box acts as one of its members.
func (b *box) isMember(identityID string) bool {
	if identityID == b.OwnerOrgID {
		return true
	}
	for _, member := range b.Members {
		if member == identityID {
			return true
		}
	}
	return false
}

// isAdmin reports whether the identity or organization administrates the box
func (b *box) isAdmin(senderID string) bool {
	return senderID == b.CreatorID || senderID == b.OwnerOrgID
}

// canJoin reports whether the identity may become a member of the box
func (b *box) canJoin(ident *identity) bool {
	if b.AccessMode == AccessModePublic || (ident != nil && ident.ID == b.CreatorID) {
		return true
	}
	for _, a := range b.Accesses {
		if a.grants(ident) {
			return true
		}
	}
	return false
}

type event struct {
	ID         string
	BoxID      string
	Type       string
	SenderID   string
	Content    json.RawMessage
	ReferrerID string
	CreatedAt  time.Time
	// FileID is the encrypted file of a file message
	FileID    string
	DeletedAt time.Time
}

type organization struct {
	ID        string
	Name      string
	CreatorID string
	Secret    string
}

type cryptoAction struct {
	ID                  string    `json:"id"`
	AccountID           string    `json:"account_id"`
	SenderIdentityID    string    `json:"sender_identity_id"`
	Type                string    `json:"type"`
	BoxID               string    `json:"box_id"`
	EncryptionPublicKey string    `json:"encryption_public_key"`
	Encrypted           string    `json:"encrypted"`
	CreatedAt           time.Time `json:"created_at"`
}

type keyShare struct {
	BoxID                       string `json:"box_id"`
	MisakeyShare                string `json:"misakey_share"`
	OtherShareHash              string `json:"other_share_hash"`
	EncryptedInvitationKeyShare string `json:"encrypted_invitation_key_share"`
}

func (share *keyShare) view() map[string]any {
	return map[string]any{
		"box_id":                         share.BoxID,
		"share":                          share.MisakeyShare,
		"other_share_hash":               share.OtherShareHash,
		"encrypted_invitation_key_share": share.EncryptedInvitationKeyShare,
	}
}

type rootKeyShare struct {
	Share          string `json:"share" required:"true"`
	OtherShareHash string `json:"other_share_hash" required:"true"`
	AccountID      string `json:"account_id" required:"true"`
}

type backupKeyShare struct {
	Share          string `json:"share" required:"true"`
	OtherShareHash string `json:"other_share_hash" required:"true"`
	AccountID      string `json:"account_id" required:"true"`
	SaltBase64     string `json:"salt_base64" required:"true"`
}

type encryptedFile struct {
	ID      string
	BoxID   string
	Content []byte
}

type notification struct {
	ID             int
	IdentityID     string
	Type           string
	Details        json.RawMessage
	CreatedAt      time.Time
	AcknowledgedAt *time.Time
}

type datatag struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	OrganizationID string    `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// first retrieves the first object of table matching the index value or nil
func (server *Server) first(table, index string, value any) any {
	txn := server.db.Txn(false)
	obj, err := txn.First(table, index, value)
	if err != nil {
		return nil
	}
	return obj
}

// all retrieves every object of table matching the index value
func (server *Server) all(table, index string, args ...any) []any {
	txn := server.db.Txn(false)
	it, err := txn.Get(table, index, args...)
	if err != nil {
		return nil
	}
	var objs []any
	for obj := it.Next(); obj != nil; obj = it.Next() {
		objs = append(objs, obj)
	}
	return objs
}

// save inserts or replaces objects.
// Stored objects are never mutated in place; callers insert modified copies.
func (server *Server) save(table string, objs ...any) error {
	txn := server.db.Txn(true)
	defer txn.Abort()
	for _, obj := range objs {
		if err := txn.Insert(table, obj); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

func (server *Server) remove(table string, obj any) error {
	txn := server.db.Txn(true)
	defer txn.Abort()
	if err := txn.Delete(table, obj); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (server *Server) identity(id string) *identity {
	obj, _ := server.first(tableIdentities, "id", id).(*identity)
	return obj
}

func (server *Server) flow(index, value string) *flow {
	obj, _ := server.first(tableFlows, index, value).(*flow)
	return obj
}

func (server *Server) box(id string) *box {
	obj, _ := server.first(tableBoxes, "id", id).(*box)
	return obj
}

func (server *Server) organization(id string) *organization {
	obj, _ := server.first(tableOrganizations, "id", id).(*organization)
	return obj
}
