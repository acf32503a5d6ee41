package scenarios

import (
	"context"
	"encoding/base64"
	"github.com/google/uuid"
	"github.com/misakey/apitest/internal/authflow"
	"github.com/misakey/apitest/internal/boxes"
	"github.com/misakey/apitest/internal/checks"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/misakey/apitest/internal/random"
	"github.com/misakey/apitest/internal/session"
	"github.com/tidwall/gjson"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// twoSessions logs in two fresh identities with the given options
func twoSessions(ctx context.Context, env *Env, opts *authflow.Options) (*session.Session, *session.Session, error) {
	s1, err := env.Session(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	s2, err := env.Session(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return s1, s2, nil
}

func noIdentifierDisclosed(path string) checks.Predicate {
	return checks.Each(path, func(_ int, member gjson.Result) error {
		return checks.Assert(member.Get("identifier_value").String() == "", "identifier of %s is disclosed", member.Get("id").String())
	})
}

func boxesBasics(ctx context.Context, env *Env) error {
	s1, s2, err := twoSessions(ctx, env, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	unknownBox := uuid.NewString()
	var box1, box2 *boxes.Box

	return env.Steps(
		Step{"create a box and post some events to it", func() error {
			box1, err = boxes.CreateBoxAndPostSomeEvents(ctx, s1, false)
			return err
		}},
		Step{"box key share retrieval", func() error {
			res, err := s1.Get(ctx, "/box-key-shares/"+box1.KeyShare.OtherShareHash, httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Equal("other_share_hash", box1.KeyShare.OtherShareHash),
				checks.Equal("share", box1.KeyShare.MisakeyShare),
				checks.Equal("box_id", box1.ID),
			)
		}},
		Step{"encrypted invitation key share retrieval", func() error {
			res, err := s1.Get(ctx, "/box-key-shares/encrypted-invitation-key-share",
				httpcall.Query(url.Values{"box_id": {box1.ID}}),
				httpcall.Expect(http.StatusOK),
			)
			if err != nil {
				return err
			}
			return checks.Check(res, checks.Equal("@this", box1.KeyShare.EncryptedInvitationKeyShare))
		}},
		Step{"forbidden is returned while posting an event to an unknown box", func() error {
			_, err := boxes.PostEvent(ctx, s1, unknownBox, boxes.NewMessageEvent(), httpcall.Expect(http.StatusForbidden))
			return err
		}},
		Step{"forbidden is returned while listing the events of an unknown box", func() error {
			_, err := s1.Get(ctx, "/boxes/"+unknownBox+"/events", httpcall.Expect(http.StatusForbidden))
			return err
		}},
		Step{"non-uuid box in path", func() error {
			_, err := boxes.PostEvent(ctx, s1, "YOU_KNOW_IM_BAD", boxes.NewMessageEvent(), httpcall.Expect(http.StatusBadRequest))
			return err
		}},
		Step{"incorrect event content format", func() error {
			_, err := boxes.PostEvent(ctx, s1, box1.ID, &boxes.Event{Type: boxes.TypeMsgText}, httpcall.Expect(http.StatusBadRequest))
			return err
		}},
		Step{"box closing", func() error {
			_, err := boxes.PostEvent(ctx, s1, box1.ID, boxes.NewCloseEvent())
			return err
		}},
		Step{"no event can be posted to a closed box", func() error {
			_, err := boxes.PostEvent(ctx, s1, box1.ID, boxes.NewMessageEvent(), httpcall.Expect(http.StatusConflict))
			return err
		}},
		Step{"non-members cannot list the events of a closed box", func() error {
			_, err := s2.Get(ctx, "/boxes/"+box1.ID+"/events", httpcall.Expect(http.StatusForbidden))
			return err
		}},
		Step{"identity 1 joins the public box of identity 2", func() error {
			if box2, err = boxes.CreateBoxAndPostSomeEvents(ctx, s2, true); err != nil {
				return err
			}
			_, err := s1.JoinBox(ctx, box2.ID)
			return err
		}},
		Step{"identity 1 lists every event of box 2 including its join", func() error {
			res, err := s1.Get(ctx, "/boxes/"+box2.ID+"/events", httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Len("@this", 5),
				checks.Equal("4.type", boxes.TypeMemberJoin),
				checks.Equal("4.sender.id", s1.IdentityID),
			)
		}},
		Step{"identity 1 (non-creator) posts a message to box 2", func() error {
			_, err := boxes.PostEvent(ctx, s1, box2.ID, boxes.NewMessageEvent())
			return err
		}},
		Step{"identity 1 (non-creator) cannot close box 2", func() error {
			_, err := boxes.PostEvent(ctx, s1, box2.ID, boxes.NewCloseEvent(), httpcall.Expect(http.StatusForbidden))
			return err
		}},
		Step{"identity 2 closes box 2", func() error {
			_, err := boxes.PostEvent(ctx, s2, box2.ID, boxes.NewCloseEvent())
			return err
		}},
		Step{"joined boxes listing returns both boxes", func() error {
			res, err := s1.Get(ctx, "/boxes/joined", httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			ids := map[string]bool{}
			for _, id := range checks.Field(res, "#.id").Array() {
				ids[id.String()] = true
			}
			return checks.Check(res,
				checks.Len("@this", 2),
				func(*httpcall.Response) error {
					return checks.Assert(ids[box1.ID] && ids[box2.ID], "listed boxes are %v", ids)
				},
			)
		}},
		Step{"joined boxes pagination", func() error {
			for offset, expected := range []int{1, 1, 0} {
				res, err := s1.Get(ctx, "/boxes/joined",
					httpcall.Query(url.Values{"offset": {strconv.Itoa(offset)}, "limit": {"1"}}),
					httpcall.Expect(http.StatusOK),
				)
				if err != nil {
					return err
				}
				if err := checks.Check(res, checks.Len("@this", expected)); err != nil {
					return err
				}
			}
			return nil
		}},
	)
}

func boxesAccesses(ctx context.Context, env *Env) error {
	s1, s2, err := twoSessions(ctx, env, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	var boxID, joinID string
	joinForbidden := func() error {
		_, err := boxes.PostEvent(ctx, s2, boxID, &boxes.Event{Type: boxes.TypeMemberJoin}, httpcall.Expect(http.StatusForbidden))
		return err
	}
	getForbidden := func() error {
		_, err := s2.Get(ctx, "/boxes/"+boxID, httpcall.Expect(http.StatusForbidden))
		return err
	}
	listAccesses := func(predicates ...checks.Predicate) (*httpcall.Response, error) {
		res, err := s1.Get(ctx, "/boxes/"+boxID+"/accesses", httpcall.Expect(http.StatusOK))
		if err != nil {
			return nil, err
		}
		return res, checks.Check(res, predicates...)
	}
	join := func() error {
		res, err := s2.JoinBox(ctx, boxID)
		if err != nil {
			return err
		}
		joinID = checks.Field(res, "id").String()
		return nil
	}

	return env.Steps(
		Step{"identity 1 creates a box", func() error {
			boxID, err = boxes.CreateBox(ctx, s1, boxes.DefaultTitle)
			return err
		}},
		Step{"identity 2 is not a member, they cannot get the box", getForbidden},
		Step{"identity 2 cannot join the box without access", joinForbidden},
		Step{"identity 1 adds an invitation link access", func() error {
			res, err := boxes.BatchAccesses(ctx, s1, boxID, []*boxes.Event{boxes.NewInvitationLinkEvent()})
			if err != nil {
				return err
			}
			return checks.Check(res, checks.Len("@this", 1), checks.Equal("0.type", boxes.TypeAccessAdd))
		}},
		Step{"identity 2 becomes a member", join},
		Step{"identity 2 can then get the box and see its creator", func() error {
			res, err := s2.Get(ctx, "/boxes/"+boxID, httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Equal("creator.id", s1.IdentityID),
				checks.Equal("creator.identifier_value", ""),
			)
		}},
		Step{"identity 1 makes the box private again and identity 2 is kicked", func() error {
			res, err := listAccesses(checks.Len("@this", 1))
			if err != nil {
				return err
			}
			res, err = boxes.BatchAccesses(ctx, s1, boxID, []*boxes.Event{boxes.NewAccessRemovalEvent(checks.Field(res, "0.id").String())})
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Len("@this", 2),
				checks.Equal("0.type", boxes.TypeAccessRm),
				checks.Equal("1.type", boxes.TypeMemberKick),
				checks.Equal("1.referrer_id", joinID),
			)
		}},
		Step{"identity 1 does not see the access anymore", func() error {
			_, err := listAccesses(checks.Len("@this", 0))
			return err
		}},
		Step{"identity 2 cannot get the box anymore", getForbidden},
		Step{"an identifier rule for another identity does not grant access", func() error {
			_, err := boxes.BatchAccesses(ctx, s1, boxID, []*boxes.Event{boxes.NewAccessEvent(boxes.RestrictionIdentifier, "email@random.io")})
			if err != nil {
				return err
			}
			return joinForbidden()
		}},
		Step{"the identifier rule of identity 2 grants them access", func() error {
			_, err := boxes.BatchAccesses(ctx, s1, boxID, []*boxes.Event{boxes.NewAccessEvent(boxes.RestrictionIdentifier, s2.Email)})
			if err != nil {
				return err
			}
			return join()
		}},
		Step{"the most recent access is listed first", func() error {
			_, err := listAccesses(
				checks.Len("@this", 2),
				checks.Equal("0.content.restriction_type", boxes.RestrictionIdentifier),
				checks.Equal("0.content.value", s2.Email),
				checks.Equal("1.content.value", "email@random.io"),
			)
			return err
		}},
		Step{"identity 2 can list members but cannot see identifiers", func() error {
			res, err := s2.Get(ctx, "/boxes/"+boxID+"/members", httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res, checks.Len("@this", 2), noIdentifierDisclosed("@this"))
		}},
		Step{"identity 2 cannot manage accesses", func() error {
			_, err := boxes.BatchAccesses(ctx, s2, boxID, []*boxes.Event{boxes.NewInvitationLinkEvent()}, httpcall.Expect(http.StatusForbidden))
			return err
		}},
		Step{"a batch removes the identifier rules, adds an email domain and kicks identity 2", func() error {
			res, err := listAccesses()
			if err != nil {
				return err
			}
			res, err = boxes.BatchAccesses(ctx, s1, boxID, []*boxes.Event{
				boxes.NewAccessRemovalEvent(checks.Field(res, "0.id").String()),
				boxes.NewAccessRemovalEvent(checks.Field(res, "1.id").String()),
				boxes.NewAccessEvent(boxes.RestrictionEmailDomain, "company.com"),
			})
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Len("@this", 4),
				checks.Equal("3.type", boxes.TypeMemberKick),
				checks.Equal("3.referrer_id", joinID),
			)
		}},
		Step{"identity 2 is kicked and cannot retrieve the box", getForbidden},
		Step{"identity 2 is not part of the members anymore", func() error {
			res, err := s1.Get(ctx, "/boxes/"+boxID+"/members", httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res, checks.Len("@this", 1), checks.Equal("0.identifier_value", s1.Email))
		}},
		Step{"the box is not listed in the boxes of identity 2", func() error {
			res, err := s2.Get(ctx, "/boxes/joined", httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res, checks.Each("@this", func(_ int, box gjson.Result) error {
				return checks.Assert(box.Get("id").String() != boxID, "the box is still listed")
			}))
		}},
		Step{"only the email domain access is left", func() error {
			_, err := listAccesses(
				checks.Len("@this", 1),
				checks.Equal("0.content.restriction_type", boxes.RestrictionEmailDomain),
			)
			return err
		}},
	)
}

func boxesMembers(ctx context.Context, env *Env) error {
	s1, s2, err := twoSessions(ctx, env, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	var box *boxes.Box
	listMembers := func(sess *session.Session, predicates ...checks.Predicate) error {
		res, err := sess.Get(ctx, "/boxes/"+box.ID+"/members", httpcall.Expect(http.StatusOK))
		if err != nil {
			return err
		}
		return checks.Check(res, predicates...)
	}

	return env.Steps(
		Step{"identity 1 creates a box", func() error {
			box, err = boxes.CreateBoxAndPostSomeEvents(ctx, s1, false)
			return err
		}},
		Step{"identity 1 lists members: one member", func() error {
			return listMembers(s1, checks.Len("@this", 1))
		}},
		Step{"identity 1 makes the box public", func() error {
			_, err := boxes.PostEvent(ctx, s1, box.ID, boxes.NewAccessModeEvent(boxes.AccessModePublic))
			return err
		}},
		Step{"identity 2 joins the box", func() error {
			_, err := s2.JoinBox(ctx, box.ID)
			return err
		}},
		Step{"identity 2 cannot join twice", func() error {
			_, err := boxes.PostEvent(ctx, s2, box.ID, &boxes.Event{Type: boxes.TypeMemberJoin}, httpcall.Expect(http.StatusConflict))
			return err
		}},
		Step{"identity 2 lists members: two members without identifier", func() error {
			return listMembers(s2, checks.Len("@this", 2), noIdentifierDisclosed("@this"))
		}},
		Step{"identity 1 lists members: two members with identifier", func() error {
			return listMembers(s1,
				checks.Len("@this", 2),
				checks.Each("@this", func(_ int, member gjson.Result) error {
					return checks.Assert(member.Get("identifier_value").String() != "", "identifier of %s is not disclosed", member.Get("id").String())
				}),
			)
		}},
	)
}

func boxesKeyShares(ctx context.Context, env *Env) error {
	s1, s2, err := twoSessions(ctx, env, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	// identities without account are members that cannot receive crypto actions
	s3, err := env.Session(ctx, &authflow.Options{ACR: 1})
	if err != nil {
		return err
	}
	initial := boxes.NewKeyShare()
	updated := boxes.NewKeyShare()
	var boxID string
	getShare := func(share *boxes.KeyShare) error {
		res, err := s1.Get(ctx, "/box-key-shares/"+share.OtherShareHash, httpcall.Expect(http.StatusOK))
		if err != nil {
			return err
		}
		return checks.Check(res,
			checks.Equal("share", share.MisakeyShare),
			checks.Equal("other_share_hash", share.OtherShareHash),
			checks.Equal("box_id", boxID),
		)
	}
	listActions := func(sess *session.Session, predicates ...checks.Predicate) error {
		res, err := sess.Get(ctx, "/accounts/"+sess.AccountID+"/crypto/actions", httpcall.Expect(http.StatusOK))
		if err != nil {
			return err
		}
		return checks.Check(res, predicates...)
	}

	return env.Steps(
		Step{"providing the key share during box creation", func() error {
			res, err := s1.Post(ctx, "/boxes",
				httpcall.JSON(map[string]any{
					"public_key": boxes.DefaultPublicKey,
					"title":      boxes.DefaultTitle,
					"key_share":  initial,
				}),
				httpcall.Expect(http.StatusCreated),
			)
			if err != nil {
				return err
			}
			boxID = checks.Field(res, "id").String()
			return getShare(initial)
		}},
		Step{"identities 2 and 3 join the box through an invitation link", func() error {
			if _, err := boxes.BatchAccesses(ctx, s1, boxID, []*boxes.Event{boxes.NewInvitationLinkEvent()}); err != nil {
				return err
			}
			if _, err := s2.JoinBox(ctx, boxID); err != nil {
				return err
			}
			_, err := s3.JoinBox(ctx, boxID)
			return err
		}},
		Step{"get the encrypted invitation key share", func() error {
			res, err := s1.Get(ctx, "/box-key-shares/encrypted-invitation-key-share",
				httpcall.Query(url.Values{"box_id": {boxID}}),
				httpcall.Expect(http.StatusOK),
			)
			if err != nil {
				return err
			}
			return checks.Check(res, checks.Equal("@this", initial.EncryptedInvitationKeyShare))
		}},
		Step{"update the box key share", func() error {
			_, err := boxes.PostEvent(ctx, s1, boxID, &boxes.Event{
				Type:             boxes.TypeKeyShare,
				Content:          map[string]string{"other_share_hash": updated.OtherShareHash},
				ForServerNoStore: updated,
			})
			if err != nil {
				return err
			}
			return getShare(updated)
		}},
		Step{"the previous key share is gone", func() error {
			_, err := s1.Get(ctx, "/box-key-shares/"+initial.OtherShareHash, httpcall.Expect(http.StatusNotFound))
			return err
		}},
		Step{"the creator of the key share gets no crypto action", func() error {
			return listActions(s1, checks.Len("@this", 0))
		}},
		Step{"members with an account get a crypto action", func() error {
			return listActions(s2,
				checks.Len("@this", 1),
				checks.Equal("0.type", "set_box_key_share"),
				checks.Equal("0.box_id", boxID),
				checks.Equal("0.encrypted", updated.EncryptedInvitationKeyShare),
			)
		}},
		Step{"only the box admin can update the key share", func() error {
			event, _ := boxes.NewKeyShareEvent()
			_, err := boxes.PostEvent(ctx, s2, boxID, event, httpcall.Expect(http.StatusForbidden))
			return err
		}},
		Step{"an incomplete key share is rejected", func() error {
			_, err := boxes.PostEvent(ctx, s1, boxID, &boxes.Event{
				Type:  boxes.TypeKeyShare,
				Extra: map[string]string{"other_share_hash": updated.OtherShareHash},
			}, httpcall.Expect(http.StatusBadRequest))
			return err
		}},
	)
}

// editedContent returns random base64 content whose encoding starts with "Edited"
func editedContent() string {
	prefix, _ := base64.StdEncoding.DecodeString("EditedXX")
	return base64.StdEncoding.EncodeToString(append(prefix, random.Bytes(32)...))
}

// eventByID finds an event in a listing
func eventByID(res *httpcall.Response, id string) gjson.Result {
	return checks.Field(res, `#(id=="`+id+`")`)
}

func boxesMessages(ctx context.Context, env *Env) error {
	s1, s2, err := twoSessions(ctx, env, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	var box *boxes.Box
	var textMsgID, fileMsgID, fileID, createEventID string
	post := func(sess *session.Session, event *boxes.Event, status int) (*httpcall.Response, error) {
		return boxes.PostEvent(ctx, sess, box.ID, event, httpcall.Expect(status))
	}
	deletedBy := func(res *httpcall.Response, referrerID string, sess *session.Session) error {
		return checks.Check(res,
			checks.Equal("type", boxes.TypeMsgDelete),
			checks.Equal("referrer_id", referrerID),
			checks.Equal("sender.id", sess.IdentityID),
		)
	}

	return env.Steps(
		Step{"create a box with a text message and a file message", func() error {
			if box, err = boxes.CreateBoxAndPostSomeEvents(ctx, s1, true); err != nil {
				return err
			}
			res, err := post(s1, boxes.NewMessageEvent(), http.StatusCreated)
			if err != nil {
				return err
			}
			textMsgID = checks.Field(res, "id").String()
			if res, fileID, err = boxes.UploadEncryptedFile(ctx, s1, box.ID, boxes.NewEncryptedFile(64)); err != nil {
				return err
			}
			fileMsgID = checks.Field(res, "id").String()
			return nil
		}},
		Step{"message edition", func() error {
			if _, err := post(s1, boxes.NewEditEvent(textMsgID, editedContent(), editedContent()), http.StatusCreated); err != nil {
				return err
			}
			res, err := s1.Get(ctx, "/boxes/"+box.ID+"/events", httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			createEventID = checks.Field(res, `#(type=="`+boxes.TypeCreate+`").id`).String()
			edited := eventByID(res, textMsgID)
			return checks.Check(res,
				func(*httpcall.Response) error {
					return checks.Assert(createEventID != "", "the box creation event is not listed")
				},
				func(*httpcall.Response) error {
					return checks.Assert(strings.HasPrefix(edited.Get("content.encrypted").String(), "Edited"), "encrypted content was not edited: %s", edited.Get("content").Raw)
				},
				func(*httpcall.Response) error {
					return checks.Assert(strings.HasPrefix(edited.Get("content.public_key").String(), "Edited"), "public key was not edited: %s", edited.Get("content").Raw)
				},
				func(*httpcall.Response) error {
					return checks.Assert(edited.Get("content.last_edited_at").String() != "", "last_edited_at is missing")
				},
			)
		}},
		Step{"only text messages can be edited", func() error {
			if _, err := post(s1, boxes.NewEditEvent(createEventID, editedContent(), editedContent()), http.StatusForbidden); err != nil {
				return err
			}
			_, err := post(s1, boxes.NewEditEvent(fileMsgID, editedContent(), editedContent()), http.StatusForbidden)
			return err
		}},
		Step{"identities cannot edit messages they did not post", func() error {
			_, err := post(s2, boxes.NewEditEvent(textMsgID, editedContent(), editedContent()), http.StatusForbidden)
			return err
		}},
		Step{"non-admins cannot delete messages they did not post", func() error {
			_, err := post(s2, boxes.NewDeleteEvent(textMsgID), http.StatusForbidden)
			return err
		}},
		Step{"the box creation event cannot be deleted", func() error {
			_, err := post(s1, boxes.NewDeleteEvent(createEventID), http.StatusForbidden)
			return err
		}},
		Step{"deletion of a text message", func() error {
			res, err := post(s1, boxes.NewDeleteEvent(textMsgID), http.StatusCreated)
			if err != nil {
				return err
			}
			return deletedBy(res, textMsgID, s1)
		}},
		Step{"deletion of a file message removes the stored file", func() error {
			if _, err := s1.Get(ctx, "/encrypted-files/"+fileID, httpcall.Expect(http.StatusOK)); err != nil {
				return err
			}
			if _, err := post(s1, boxes.NewDeleteEvent(fileMsgID), http.StatusCreated); err != nil {
				return err
			}
			_, err := s1.Get(ctx, "/encrypted-files/"+fileID, httpcall.Expect(http.StatusNotFound))
			return err
		}},
		Step{"a message cannot be deleted twice", func() error {
			_, err := post(s1, boxes.NewDeleteEvent(textMsgID), http.StatusGone)
			return err
		}},
		Step{"a deleted message cannot be edited", func() error {
			_, err := post(s1, boxes.NewEditEvent(textMsgID, editedContent(), editedContent()), http.StatusGone)
			return err
		}},
		Step{"the box admin deletes the message of a member", func() error {
			if _, err := s2.JoinBox(ctx, box.ID); err != nil {
				return err
			}
			res, err := post(s2, boxes.NewMessageEvent(), http.StatusCreated)
			if err != nil {
				return err
			}
			msgID := checks.Field(res, "id").String()
			if res, err = post(s1, boxes.NewDeleteEvent(msgID), http.StatusCreated); err != nil {
				return err
			}
			return deletedBy(res, msgID, s1)
		}},
	)
}

// autoInviteEvent creates an identifier access carrying invitations for the public keys of the invitees
func autoInviteEvent(email string, invitations map[string]string) *boxes.Event {
	content := map[string]any{
		"restriction_type": boxes.RestrictionIdentifier,
		"value":            email,
		"auto_invite":      true,
	}
	return &boxes.Event{Type: boxes.TypeAccessAdd, Content: content, Extra: invitations}
}

func boxesAutoInvitation(ctx context.Context, env *Env) error {
	s1, s2, err := twoSessions(ctx, env, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	// identities without an account have no public key
	s3, err := env.Session(ctx, &authflow.Options{ACR: 1})
	if err != nil {
		return err
	}
	s2Pubkey := random.Base64URL(16)
	var boxID, actionID string
	var notifID int64
	batch := func(event *boxes.Event, status int) error {
		_, err := boxes.BatchAccesses(ctx, s1, boxID, []*boxes.Event{event}, httpcall.Expect(status))
		return err
	}

	return env.Steps(
		Step{"create a box and set the public key of identity 2", func() (err error) {
			if boxID, err = boxes.CreateBox(ctx, s1, boxes.DefaultTitle); err != nil {
				return err
			}
			_, err = s2.SetIdentityPublicKey(ctx, session.PubkeyField, s2Pubkey)
			return err
		}},
		Step{"auto invitations need invitations", func() error {
			return batch(autoInviteEvent(s2.Email, nil), http.StatusBadRequest)
		}},
		Step{"invitations need auto invitation", func() error {
			event := boxes.NewAccessEvent(boxes.RestrictionIdentifier, s2.Email)
			event.Extra = map[string]string{s2Pubkey: "FakeEncryptedCryptoAction"}
			return batch(event, http.StatusBadRequest)
		}},
		Step{"invitations for unknown public keys are rejected", func() error {
			return batch(autoInviteEvent(s2.Email, map[string]string{
				s2Pubkey: "FakeEncryptedCryptoAction",
				"badKey": "FakeEncryptedCryptoAction",
			}), http.StatusBadRequest)
		}},
		Step{"invitations missing a public key are rejected", func() error {
			return batch(autoInviteEvent(s2.Email, map[string]string{"badKey": "FakeEncryptedCryptoAction"}), http.StatusBadRequest)
		}},
		Step{"auto invitation", func() error {
			return batch(autoInviteEvent(s2.Email, map[string]string{s2Pubkey: "FakeEncryptedCryptoAction"}), http.StatusCreated)
		}},
		Step{"the invitee gets a crypto action and a notification", func() error {
			res, err := s2.Get(ctx, cryptoActionsURL(s2.AccountID), httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			if err := checks.Check(res, checks.Len("@this", 1), checks.Equal("0.encrypted", "FakeEncryptedCryptoAction")); err != nil {
				return err
			}
			actionID = checks.Field(res, "0.id").String()
			if res, err = s2.Get(ctx, notificationsURL(s2.IdentityID), httpcall.Expect(http.StatusOK)); err != nil {
				return err
			}
			notifID = checks.Field(res, "0.id").Int()
			return checks.Check(res,
				checks.Equal("0.type", "box.auto_invite"),
				checks.Equal("0.details.box_id", boxID),
				checks.Equal("0.details.cryptoaction_id", actionID),
				checks.Equal("0.details.used", false),
			)
		}},
		Step{"conflict if an invitee has no public key", func() error {
			return batch(autoInviteEvent(s3.Email, map[string]string{"whateverKey": "becauseS3DoesNotHaveOne"}), http.StatusConflict)
		}},
		Step{"deleting the crypto action marks the invitation as used", func() error {
			if _, err := s2.Delete(ctx, cryptoActionsURL(s2.AccountID)+"/"+actionID, httpcall.Expect(http.StatusNoContent)); err != nil {
				return err
			}
			res, err := s2.Get(ctx, notificationsURL(s2.IdentityID), httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			notif := checks.Field(res, "#(id=="+strconv.FormatInt(notifID, 10)+")")
			return checks.Assert(notif.Get("details.used").Bool(), "notification %d is not marked as used: %s", notifID, notif.Raw)
		}},
	)
}
