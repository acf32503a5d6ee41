package scenarios

import (
	"context"
	"errors"
	"github.com/misakey/apitest/internal/authflow"
	"github.com/misakey/apitest/internal/boxes"
	"github.com/misakey/apitest/internal/checks"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/misakey/apitest/internal/random"
	"github.com/misakey/apitest/internal/session"
	"golang.org/x/oauth2"
	"net/http"
)

func organizationsOrg(ctx context.Context, env *Env) error {
	user, err := env.Session(ctx, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	acr1, err := env.Session(ctx, &authflow.Options{ACR: 1})
	if err != nil {
		return err
	}
	var org *session.Session
	var secret string

	return env.Steps(
		Step{"an identity with ACR 2 creates an organization", func() error {
			org, err = env.Driver.GetOrgSession(ctx, user)
			return err
		}},
		Step{"the user sees the self organization and the created one", func() error {
			res, err := user.Get(ctx, "/identities/"+user.IdentityID+"/organizations", httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Len("@this", 2),
				checks.Equal("0.id", user.SelfClientID),
				checks.Equal("1.id", org.OrgID),
				checks.Equal("1.name", org.OrgName),
				checks.Equal("1.current_identity_role", "admin"),
				checks.Equal("1.creator_id", user.IdentityID),
			)
		}},
		Step{"a profile exists for the organization", func() error {
			res, err := user.Get(ctx, "/identities/"+org.OrgID+"/profile", httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res, checks.Equal("id", org.OrgID), checks.Equal("display_name", org.OrgName))
		}},
		Step{"secret generation is idempotent", func() error {
			if secret, err = env.Driver.OrganizationSecret(ctx, user, org.OrgID); err != nil {
				return err
			}
			again, err := env.Driver.OrganizationSecret(ctx, user, org.OrgID)
			if err != nil {
				return err
			}
			return checks.Assert(again == secret, "a second secret was generated")
		}},
		Step{"the secret gives access tokens of the organization", func() error {
			token, err := env.Driver.OrganizationToken(ctx, org.OrgID, secret)
			if err != nil {
				return err
			}
			if err := checks.Assert(token.AccessToken != "", "no access token was issued"); err != nil {
				return err
			}
			org.SetBearer(token.AccessToken)
			_, err = boxes.CreateOrgBox(ctx, org, boxes.DefaultTitle)
			return err
		}},
		Step{"a wrong secret is rejected", func() error {
			_, err := env.Driver.OrganizationToken(ctx, org.OrgID, secret+"-wrong")
			var retrieveErr *oauth2.RetrieveError
			return checks.Assert(errors.As(err, &retrieveErr), "token request did not fail as expected: %v", err)
		}},
		Step{"ACR 1 cannot create an organization", func() error {
			res, err := acr1.Post(ctx, "/organizations",
				httpcall.JSON(map[string]string{"name": "acr1-org"}),
				httpcall.Expect(http.StatusForbidden),
			)
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Equal("details.acr", "forbidden"),
				checks.Equal("details.required_acr", "2"),
			)
		}},
		Step{"ACR 1 cannot list the organizations of another identity", func() error {
			_, err := acr1.Get(ctx, "/identities/"+user.IdentityID+"/organizations", httpcall.Expect(http.StatusForbidden))
			return err
		}},
		Step{"ACR 1 only sees the self organization", func() error {
			identity, _, err := acr1.GetIdentity(ctx)
			if err != nil {
				return err
			}
			res, err := acr1.Get(ctx, "/identities/"+acr1.IdentityID+"/organizations", httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Len("@this", 1),
				checks.Equal("0.id", acr1.SelfClientID),
				checks.Equal("0.name", identity.DisplayName),
				checks.Equal("0.creator_id", acr1.IdentityID),
				checks.Equal("0.current_identity_role", nil),
			)
		}},
		Step{"ACR 1 cannot generate a secret for an organization they do not own", func() error {
			_, err := acr1.Put(ctx, "/organizations/"+org.OrgID+"/secret", httpcall.Expect(http.StatusForbidden))
			return err
		}},
	)
}

func organizationsDatatags(ctx context.Context, env *Env) error {
	user, err := env.Session(ctx, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	stranger, err := env.Session(ctx, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	org, err := env.Driver.GetOrgSession(ctx, user)
	if err != nil {
		return err
	}
	datatagsURL := "/organizations/" + org.OrgID + "/datatags"
	var datatagID string

	list := func(sess *session.Session, predicates ...checks.Predicate) error {
		res, err := sess.Get(ctx, datatagsURL, httpcall.Expect(http.StatusOK))
		if err != nil {
			return err
		}
		return checks.Check(res, predicates...)
	}
	create := func(sess *session.Session, name string) error {
		res, err := sess.Post(ctx, datatagsURL,
			httpcall.JSON(map[string]string{"name": name}),
			httpcall.Expect(http.StatusCreated),
		)
		if err != nil {
			return err
		}
		datatagID = checks.Field(res, "id").String()
		return checks.Check(res,
			checks.NotEmpty("id"),
			checks.Equal("name", name),
			checks.Equal("organization_id", org.OrgID),
		)
	}
	edit := func(sess *session.Session, name string) error {
		_, err := sess.Patch(ctx, datatagsURL+"/"+datatagID,
			httpcall.JSON(map[string]string{"name": name}),
			httpcall.Expect(http.StatusNoContent),
		)
		return err
	}

	return env.Steps(
		Step{"the organization lists its datatags: none", func() error {
			return list(org, checks.Len("@this", 0))
		}},
		Step{"the organization creates a datatag", func() error {
			if err := create(org, "contract"); err != nil {
				return err
			}
			return list(org, checks.Len("@this", 1), checks.Equal("0.id", datatagID))
		}},
		Step{"the organization edits its datatag", func() error {
			if err := edit(org, "pact"); err != nil {
				return err
			}
			return list(org, checks.Len("@this", 1), checks.Equal("0.id", datatagID), checks.Equal("0.name", "pact"))
		}},
		Step{"the admin lists the datatags of the organization", func() error {
			return list(user, checks.Len("@this", 1))
		}},
		Step{"the admin creates a datatag", func() error {
			if err := create(user, "salary"); err != nil {
				return err
			}
			return list(user, checks.Len("@this", 2), checks.Equal("0.id", datatagID))
		}},
		Step{"the admin edits a datatag", func() error {
			if err := edit(user, "donation"); err != nil {
				return err
			}
			return list(user, checks.Equal("0.id", datatagID), checks.Equal("0.name", "donation"))
		}},
		Step{"datatag names are unique in an organization", func() error {
			_, err := user.Post(ctx, datatagsURL,
				httpcall.JSON(map[string]string{"name": "donation"}),
				httpcall.Expect(http.StatusConflict),
			)
			return err
		}},
		Step{"other identities cannot list the datatags", func() error {
			_, err := stranger.Get(ctx, datatagsURL, httpcall.Expect(http.StatusForbidden))
			return err
		}},
	)
}

// createDatatag creates a randomly named datatag in an organization administrated by the session
func createDatatag(ctx context.Context, sess *session.Session, orgID string) (string, error) {
	res, err := sess.Post(ctx, "/organizations/"+orgID+"/datatags",
		httpcall.JSON(map[string]string{"name": random.Hex(4)}),
		httpcall.Expect(http.StatusCreated),
	)
	if err != nil {
		return "", err
	}
	return checks.Field(res, "id").String(), nil
}

// firstPubkey returns the first public key of the identities using the given identifier
func firstPubkey(ctx context.Context, sess *session.Session, email string) (string, error) {
	pubkeys, err := sess.LookupPublicKeys(ctx, email)
	if err != nil {
		return "", err
	}
	if err := checks.Assert(len(pubkeys) > 0, "%s has no public key", email); err != nil {
		return "", err
	}
	return pubkeys[0], nil
}

func boxesSubjects(ctx context.Context, env *Env) error {
	s1, s2, err := twoSessions(ctx, env, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	var orgID, datatagID, otherDatatagID, boxID, s2Pubkey string
	create := func(creation *boxes.Creation, status int) (*httpcall.Response, error) {
		res, err := boxes.PostBox(ctx, s1, "/boxes", creation, httpcall.Expect(status))
		if err == nil && status == http.StatusCreated {
			boxID = checks.Field(res, "id").String()
		}
		return res, err
	}
	withSubject := func(email string) *boxes.Creation {
		creation := boxes.NewCreation(boxes.DefaultTitle)
		creation.DataSubject = email
		return creation
	}
	getBox := func(predicates ...checks.Predicate) error {
		res, err := s1.Get(ctx, "/boxes/"+boxID, httpcall.Expect(http.StatusOK))
		if err != nil {
			return err
		}
		return checks.Check(res, append([]checks.Predicate{
			checks.NotEmpty("title"),
			checks.Equal("access_mode", boxes.AccessModeLimited),
		}, predicates...)...)
	}

	return env.Steps(
		Step{"create two organizations with a datatag each", func() error {
			if orgID, err = env.Driver.NewOrganization(ctx, s1, random.Hex(3)+"-org"); err != nil {
				return err
			}
			if datatagID, err = createDatatag(ctx, s1, orgID); err != nil {
				return err
			}
			otherOrgID, err := env.Driver.NewOrganization(ctx, s1, random.Hex(3)+"-org")
			if err != nil {
				return err
			}
			otherDatatagID, err = createDatatag(ctx, s1, otherOrgID)
			return err
		}},
		Step{"create a box owned by an organization", func() error {
			creation := boxes.NewCreation(boxes.DefaultTitle)
			creation.OwnerOrgID = orgID
			if _, err := create(creation, http.StatusCreated); err != nil {
				return err
			}
			return getBox(checks.Equal("owner_org_id", orgID))
		}},
		Step{"create a box owned by an organization with a datatag", func() error {
			creation := boxes.NewCreation(boxes.DefaultTitle)
			creation.OwnerOrgID = orgID
			creation.DatatagID = datatagID
			if _, err := create(creation, http.StatusCreated); err != nil {
				return err
			}
			return getBox(checks.Equal("owner_org_id", orgID), checks.Equal("datatag_id", datatagID))
		}},
		Step{"datatags need their organization", func() error {
			creation := boxes.NewCreation(boxes.DefaultTitle)
			creation.DatatagID = datatagID
			if _, err := create(creation, http.StatusForbidden); err != nil {
				return err
			}
			creation.OwnerOrgID = orgID
			creation.DatatagID = otherDatatagID
			_, err := create(creation, http.StatusForbidden)
			return err
		}},
		Step{"a data subject without an account gets an identity without public key", func() error {
			email := random.Email()
			if _, err := create(withSubject(email), http.StatusCreated); err != nil {
				return err
			}
			if err := getBox(); err != nil {
				return err
			}
			pubkeys, err := s1.LookupPublicKeys(ctx, email)
			if err != nil {
				return err
			}
			return checks.Assert(len(pubkeys) == 0, "the new identity has public keys %v", pubkeys)
		}},
		Step{"a data subject with an account needs an invitation", func() error {
			_, err := create(withSubject(s2.Email), http.StatusBadRequest)
			return err
		}},
		Step{"a data subject with an account is invited", func() error {
			if s2Pubkey, err = firstPubkey(ctx, s1, s2.Email); err != nil {
				return err
			}
			creation := withSubject(s2.Email)
			creation.InvitationData = map[string]string{s2Pubkey: "fakeCryptoAction"}
			if _, err := create(creation, http.StatusCreated); err != nil {
				return err
			}
			res, err := s2.Get(ctx, cryptoActionsURL(s2.AccountID), httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res, checks.Equal("0.encrypted", "fakeCryptoAction"), checks.Equal("0.box_id", boxID))
		}},
		Step{"the data subject joins the box", func() error {
			if _, err := s2.JoinBox(ctx, boxID); err != nil {
				return err
			}
			if err := getBox(checks.Equal("subject.id", s2.IdentityID)); err != nil {
				return err
			}
			res, err := s1.Get(ctx, "/boxes/"+boxID+"/members", httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			ids := map[string]bool{}
			for _, id := range checks.Field(res, "#.id").Array() {
				ids[id.String()] = true
			}
			return checks.Assert(ids[s1.IdentityID] && ids[s2.IdentityID], "box members are %v", ids)
		}},
		Step{"invitations for a wrong public key are rejected", func() error {
			creation := withSubject(s2.Email)
			creation.InvitationData = map[string]string{"wrongPubkey": "fakeCryptoAction"}
			_, err := create(creation, http.StatusBadRequest)
			return err
		}},
	)
}

func boxesOrgActions(ctx context.Context, env *Env) error {
	user, err := env.Session(ctx, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	org, err := env.Driver.GetOrgSession(ctx, user)
	if err != nil {
		return err
	}
	var creation *boxes.Creation
	var boxID string
	checkBox := func(res *httpcall.Response) error {
		return checks.Check(res,
			checks.Equal("title", boxes.DefaultTitle),
			checks.Equal("owner_org_id", org.OrgID),
			checks.Equal("datatag_id", creation.DatatagID),
			checks.Equal("data_subject", user.Email),
			checks.Equal("public_key", boxes.DefaultPublicKey),
			checks.Equal("access_mode", boxes.AccessModeLimited),
		)
	}

	return env.Steps(
		Step{"the organization creates a box about its admin", func() error {
			datatagID, err := createDatatag(ctx, org, org.OrgID)
			if err != nil {
				return err
			}
			pubkey, err := firstPubkey(ctx, org, user.Email)
			if err != nil {
				return err
			}
			creation = boxes.NewCreation(boxes.DefaultTitle)
			creation.OwnerOrgID = org.OrgID
			creation.DatatagID = datatagID
			creation.DataSubject = user.Email
			creation.InvitationData = map[string]string{pubkey: boxes.DefaultPublicKey}
			res, err := boxes.PostBox(ctx, org, "/organizations/"+org.OrgID+"/boxes", creation)
			if err != nil {
				return err
			}
			boxID = checks.Field(res, "id").String()
			return checkBox(res)
		}},
		Step{"organizations cannot use the routes of identities", func() error {
			if _, err := org.Get(ctx, "/boxes/"+boxID, httpcall.Expect(http.StatusUnauthorized)); err != nil {
				return err
			}
			_, err := boxes.PostBox(ctx, org, "/boxes", creation, httpcall.Expect(http.StatusUnauthorized))
			return err
		}},
		Step{"the organization retrieves its box", func() error {
			res, err := org.Get(ctx, "/organizations/"+org.OrgID+"/boxes/"+boxID, httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checkBox(res)
		}},
		Step{"the organization posts a text message", func() error {
			res, err := boxes.PostEvent(ctx, org, boxID, boxes.NewMessageEvent())
			if err != nil {
				return err
			}
			return checks.Check(res, checks.Equal("sender.id", org.OrgID), checks.Equal("sender.display_name", org.OrgName))
		}},
		Step{"the organization uploads a file", func() error {
			_, _, err := boxes.UploadEncryptedFile(ctx, org, boxID, boxes.NewEncryptedFile(64))
			return err
		}},
	)
}
