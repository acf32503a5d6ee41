package scenarios

import (
	"context"
	"fmt"
	"github.com/misakey/apitest/internal/aesrsa"
	"github.com/misakey/apitest/internal/authflow"
	"github.com/misakey/apitest/internal/checks"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/misakey/apitest/internal/random"
	"github.com/misakey/apitest/internal/session"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

func identitiesPublicKeys(ctx context.Context, env *Env) error {
	s1, s2, err := twoSessions(ctx, env, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	pubkey := random.Base64URL(32)
	nonIdentifiedPubkey := random.Base64URL(32)
	setRejected := func(field, value string) error {
		_, err := s1.SetIdentityPublicKey(ctx, field, value, httpcall.Expect(http.StatusBadRequest))
		return err
	}

	return env.Steps(
		Step{"identities with an account have AES-RSA public keys", func() error {
			identity, res, err := s1.GetIdentity(ctx)
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.HasPrefix("pubkey_aes_rsa", aesrsa.PublicKeyPrefix),
				checks.HasPrefix("non_identified_pubkey_aes_rsa", aesrsa.PublicKeyPrefix),
				func(*httpcall.Response) error {
					return checks.Assert(identity.ID == s1.IdentityID, "identity %s was returned instead of %s", identity.ID, s1.IdentityID)
				},
			)
		}},
		Step{"set the public key", func() error {
			if _, err := s1.SetIdentityPublicKey(ctx, session.PubkeyField, pubkey); err != nil {
				return err
			}
			stored, err := s1.GetIdentityPublicKey(ctx, session.PubkeyField)
			if err != nil {
				return err
			}
			return checks.Assert(stored == pubkey, "public key is %s, expected %s", stored, pubkey)
		}},
		Step{"set the non identified public key", func() error {
			if _, err := s1.SetIdentityPublicKey(ctx, session.NonIdentifiedPubkeyField, nonIdentifiedPubkey); err != nil {
				return err
			}
			stored, err := s1.GetIdentityPublicKey(ctx, session.NonIdentifiedPubkeyField)
			if err != nil {
				return err
			}
			return checks.Assert(stored == nonIdentifiedPubkey, "non identified public key is %s, expected %s", stored, nonIdentifiedPubkey)
		}},
		Step{"public keys can be looked up by identifier", func() error {
			pubkeys, err := s2.LookupPublicKeys(ctx, strings.ToUpper(s1.Email))
			if err != nil {
				return err
			}
			return checks.Assert(len(pubkeys) == 1 && pubkeys[0] == pubkey, "lookup returned %v", pubkeys)
		}},
		Step{"prefixed public keys are rejected", func() error {
			return setRejected(session.PubkeyField, aesrsa.PublicKeyPrefix+random.Base64URL(32))
		}},
		Step{"prefixed non identified public keys are rejected", func() error {
			return setRejected(session.NonIdentifiedPubkeyField, aesrsa.PublicKeyPrefix+random.Base64URL(32))
		}},
		Step{"public keys of unknown algorithms are rejected", func() error {
			return setRejected(session.PubkeyField, "com.misakey.BAD-enc:"+random.Base64URL(32))
		}},
		Step{"identities cannot read each other", func() error {
			_, err := s2.Get(ctx, "/identities/"+s1.IdentityID, httpcall.Expect(http.StatusForbidden))
			return err
		}},
	)
}

func notificationsURL(identityID string) string {
	return "/identities/" + identityID + "/notifications"
}

// countNotifications returns the number of unacknowledged notifications of the session identity
func countNotifications(ctx context.Context, sess *session.Session) (int, error) {
	res, err := sess.Head(ctx, notificationsURL(sess.IdentityID), httpcall.Expect(http.StatusNoContent))
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(res.Header.Get("X-Total-Count"))
	if err != nil {
		return 0, fmt.Errorf("X-Total-Count header: %w", err)
	}
	return count, nil
}

func identitiesNotifications(ctx context.Context, env *Env) error {
	s1, err := env.Session(ctx, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	var count int
	var notifID int64

	return env.Steps(
		Step{"count the notifications of a fresh account", func() (err error) {
			count, err = countNotifications(ctx, s1)
			if err != nil {
				return err
			}
			return checks.Assert(count >= 2, "%d notifications are counted", count)
		}},
		Step{"the account and identity creations are notified, most recent first", func() error {
			res, err := s1.Get(ctx, notificationsURL(s1.IdentityID), httpcall.Query(url.Values{"offset": {"0"}}), httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			notifID = checks.Field(res, "0.id").Int()
			return checks.Check(res,
				checks.Equal("0.type", "user.create_account"),
				checks.Equal("0.details", nil),
				checks.Equal("0.acknowledged_at", nil),
				checks.Equal("1.type", "user.create_identity"),
			)
		}},
		Step{"acknowledging an unknown notification succeeds and changes nothing", func() error {
			unknown := strconv.Itoa(10000 + rand.Intn(90000))
			if _, err := s1.Put(ctx, notificationsURL(s1.IdentityID)+"/acknowledgement", httpcall.Query(url.Values{"ids": {unknown}}), httpcall.Expect(http.StatusNoContent)); err != nil {
				return err
			}
			after, err := countNotifications(ctx, s1)
			if err != nil {
				return err
			}
			return checks.Assert(after == count, "%d notifications are counted instead of %d", after, count)
		}},
		Step{"acknowledged notifications are not counted anymore", func() error {
			ids := strconv.FormatInt(notifID, 10)
			if _, err := s1.Put(ctx, notificationsURL(s1.IdentityID)+"/acknowledgement", httpcall.Query(url.Values{"ids": {ids}}), httpcall.Expect(http.StatusNoContent)); err != nil {
				return err
			}
			after, err := countNotifications(ctx, s1)
			if err != nil {
				return err
			}
			return checks.Assert(after == count-1, "%d notifications are counted instead of %d", after, count-1)
		}},
		Step{"acknowledged notifications are still listed", func() error {
			res, err := s1.Get(ctx, notificationsURL(s1.IdentityID),
				httpcall.Query(url.Values{"offset": {"0"}, "limit": {"2"}}),
				httpcall.Expect(http.StatusOK),
			)
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Len("@this", 2),
				checks.Equal("0.id", notifID),
				checks.Equal("0.type", "user.create_account"),
				checks.Equal("0.details", nil),
				checks.NotEmpty("0.acknowledged_at"),
			)
		}},
	)
}

func identitiesProfile(ctx context.Context, env *Env) error {
	s1, s2, err := twoSessions(ctx, env, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	configURL := "/identities/" + s1.IdentityID + "/profile/config"
	profileURL := "/identities/" + s1.IdentityID + "/profile"
	shareEmail := func(share bool) error {
		_, err := s1.Patch(ctx, configURL, httpcall.JSON(map[string]bool{"email": share}), httpcall.Expect(http.StatusNoContent))
		return err
	}
	expectConfig := func(share bool) error {
		res, err := s1.Get(ctx, configURL, httpcall.Expect(http.StatusOK))
		if err != nil {
			return err
		}
		return checks.Check(res, checks.Equal("email", share))
	}
	expectProfile := func(sess *session.Session, identifierValue string) error {
		res, err := sess.Get(ctx, profileURL, httpcall.Expect(http.StatusOK))
		if err != nil {
			return err
		}
		return checks.Check(res,
			checks.Equal("identifier_value", identifierValue),
			checks.Equal("display_name", s1.DisplayName),
		)
	}

	return env.Steps(
		Step{"emails are private by default", func() error {
			return expectConfig(false)
		}},
		Step{"private profiles do not disclose their identifier", func() error {
			res, err := s1.Get(ctx, profileURL, httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Equal("identifier_value", ""),
				checks.Equal("identifier_kind", ""),
				checks.Equal("display_name", s1.DisplayName),
			)
		}},
		Step{"share the email", func() error {
			if err := shareEmail(true); err != nil {
				return err
			}
			if err := expectProfile(s2, s1.Email); err != nil {
				return err
			}
			return expectConfig(true)
		}},
		Step{"profile configs of other identities cannot be read nor changed", func() error {
			if _, err := s2.Get(ctx, configURL, httpcall.Expect(http.StatusForbidden)); err != nil {
				return err
			}
			_, err := s2.Patch(ctx, configURL, httpcall.JSON(map[string]bool{"email": false}), httpcall.Expect(http.StatusForbidden))
			return err
		}},
		Step{"stop sharing the email", func() error {
			if err := shareEmail(false); err != nil {
				return err
			}
			if err := expectProfile(s2, ""); err != nil {
				return err
			}
			return expectConfig(false)
		}},
	)
}
