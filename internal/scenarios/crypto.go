package scenarios

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"github.com/google/uuid"
	"github.com/misakey/apitest/internal/aesrsa"
	"github.com/misakey/apitest/internal/authflow"
	"github.com/misakey/apitest/internal/boxes"
	"github.com/misakey/apitest/internal/checks"
	"github.com/misakey/apitest/internal/cryptoaction"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/misakey/apitest/internal/random"
	"github.com/misakey/apitest/internal/secretstorage"
	"github.com/misakey/apitest/internal/session"
	"github.com/tidwall/gjson"
	"net/http"
	"reflect"
	"slices"
)

// cryptoActionCount is the number of crypto actions the crypto actions scenario inserts
const cryptoActionCount = 5

func cryptoActionsURL(accountID string) string {
	return "/accounts/" + accountID + "/crypto/actions"
}

func cryptoActions(ctx context.Context, env *Env) error {
	s1, s2, err := twoSessions(ctx, env, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	var actions []*cryptoaction.Create

	return env.Steps(
		Step{"insert crypto actions for the first account", func() error {
			boxID, err := boxes.CreateBox(ctx, s2, boxes.DefaultTitle)
			if err != nil {
				return err
			}
			for i := 0; i < cryptoActionCount; i++ {
				action := &cryptoaction.Create{
					ID:                  uuid.NewString(),
					AccountID:           s1.AccountID,
					SenderIdentityID:    s2.IdentityID,
					Type:                cryptoaction.TypeInvitation,
					BoxID:               boxID,
					EncryptionPublicKey: random.Base64URL(16),
					Encrypted:           base64.StdEncoding.EncodeToString(random.Bytes(32)),
				}
				if err := env.Driver.Storage.CryptoActions().Create(ctx, action); err != nil {
					return err
				}
				actions = append(actions, action)
			}
			return nil
		}},
		Step{"list crypto actions", func() error {
			res, err := s1.Get(ctx, cryptoActionsURL(s1.AccountID), httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Len("@this", cryptoActionCount),
				checks.Each("@this", func(i int, action gjson.Result) error {
					return checks.Assert(action.Get("account_id").String() == s1.AccountID, "action %d belongs to account %s", i, action.Get("account_id").String())
				}),
			)
		}},
		Step{"get a single crypto action", func() error {
			res, err := s1.Get(ctx, cryptoActionsURL(s1.AccountID)+"/"+actions[0].ID, httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Equal("id", actions[0].ID),
				checks.Equal("type", actions[0].Type),
				checks.Equal("box_id", actions[0].BoxID),
				checks.Equal("sender_identity_id", s2.IdentityID),
				checks.Equal("encryption_public_key", actions[0].EncryptionPublicKey),
				checks.Equal("encrypted", actions[0].Encrypted),
			)
		}},
		Step{"delete a crypto action", func() error {
			if _, err := s1.Delete(ctx, cryptoActionsURL(s1.AccountID)+"/"+actions[0].ID, httpcall.Expect(http.StatusNoContent)); err != nil {
				return err
			}
			res, err := s1.Get(ctx, cryptoActionsURL(s1.AccountID), httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res, checks.Len("@this", cryptoActionCount-1))
		}},
		Step{"the second account has no crypto actions", func() error {
			res, err := s2.Get(ctx, cryptoActionsURL(s2.AccountID), httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res, checks.Len("@this", 0))
		}},
		Step{"crypto actions of other accounts cannot be listed", func() error {
			_, err := s2.Get(ctx, cryptoActionsURL(s1.AccountID), httpcall.Expect(http.StatusForbidden))
			return err
		}},
		Step{"crypto actions of other accounts cannot be read", func() error {
			_, err := s2.Get(ctx, cryptoActionsURL(s1.AccountID)+"/"+actions[1].ID, httpcall.Expect(http.StatusForbidden))
			return err
		}},
		Step{"crypto actions of other accounts cannot be deleted", func() error {
			_, err := s2.Delete(ctx, cryptoActionsURL(s1.AccountID)+"/"+actions[1].ID, httpcall.Expect(http.StatusForbidden))
			return err
		}},
		Step{"crypto actions of other accounts are not found under one's own account", func() error {
			_, err := s2.Delete(ctx, cryptoActionsURL(s2.AccountID)+"/"+actions[1].ID, httpcall.Expect(http.StatusNotFound))
			return err
		}},
	)
}

func rootKeyShares(ctx context.Context, env *Env) error {
	s1, s2, err := twoSessions(ctx, env, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	noAccount, err := env.Session(ctx, &authflow.Options{ACR: 1})
	if err != nil {
		return err
	}
	share := map[string]string{
		"share":            random.Base64URL(16),
		"other_share_hash": random.Base64URL(16),
		"account_id":       s1.AccountID,
	}
	create := func(sess *session.Session, body any, status int) (*httpcall.Response, error) {
		return sess.Post(ctx, "/crypto/root-key-shares", httpcall.JSON(body), httpcall.Expect(status))
	}
	without := func(field string) map[string]string {
		partial := map[string]string{}
		for k, v := range share {
			if k != field {
				partial[k] = v
			}
		}
		return partial
	}

	return env.Steps(
		Step{"create a root key share", func() error {
			res, err := create(s1, share, http.StatusCreated)
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Equal("share", share["share"]),
				checks.Equal("other_share_hash", share["other_share_hash"]),
				checks.Equal("account_id", s1.AccountID),
			)
		}},
		Step{"get the root key share", func() error {
			res, err := s1.Get(ctx, "/crypto/root-key-shares/"+share["other_share_hash"], httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Equal("share", share["share"]),
				checks.Equal("other_share_hash", share["other_share_hash"]),
				checks.Equal("account_id", s1.AccountID),
			)
		}},
		Step{"unknown root key shares are not found", func() error {
			_, err := s1.Get(ctx, "/crypto/root-key-shares/"+random.Base64URL(16), httpcall.Expect(http.StatusNotFound))
			return err
		}},
		Step{"root key shares of other accounts are not found", func() error {
			_, err := s2.Get(ctx, "/crypto/root-key-shares/"+share["other_share_hash"], httpcall.Expect(http.StatusNotFound))
			return err
		}},
		Step{"root key shares cannot be created for other accounts", func() error {
			body := map[string]string{
				"share":            random.Base64URL(16),
				"other_share_hash": random.Base64URL(16),
				"account_id":       s1.AccountID,
			}
			_, err := create(s2, body, http.StatusForbidden)
			return err
		}},
		Step{"identities without an account cannot use root key shares", func() error {
			body := map[string]string{
				"share":            random.Base64URL(16),
				"other_share_hash": random.Base64URL(16),
				"account_id":       s1.AccountID,
			}
			if _, err := create(noAccount, body, http.StatusForbidden); err != nil {
				return err
			}
			_, err := noAccount.Get(ctx, "/crypto/root-key-shares/"+share["other_share_hash"], httpcall.Expect(http.StatusForbidden))
			return err
		}},
		Step{"the share is required", func() error {
			_, err := create(s1, without("share"), http.StatusBadRequest)
			return err
		}},
		Step{"the other share hash is required", func() error {
			_, err := create(s1, without("other_share_hash"), http.StatusBadRequest)
			return err
		}},
		Step{"root key shares cannot be created twice", func() error {
			_, err := create(s1, share, http.StatusConflict)
			return err
		}},
	)
}

func secretStorage(ctx context.Context, env *Env) error {
	creds, err := env.Driver.Login(ctx, &authflow.Options{ACR: 2, GetSecretStorage: true})
	if err != nil {
		return err
	}
	s1 := creds.Session
	s2, err := env.Session(ctx, &authflow.Options{ACR: 2})
	if err != nil {
		return err
	}
	var rootKeyHash string
	pubkey := random.Base64URL(16)
	boxID := uuid.NewString()
	boxKeyShare := map[string]string{
		"invitation_share_hash":      random.Base64URL(16),
		"encrypted_invitation_share": random.Base64URL(32),
	}
	secrets := func() (*httpcall.Response, error) {
		return s1.Get(ctx, "/crypto/secret-storage", httpcall.Expect(http.StatusOK))
	}

	return env.Steps(
		Step{"the account creation filled the secret storage", func() error {
			res, err := secrets()
			if err != nil {
				return err
			}
			rootKeyHash = checks.Field(res, "account_root_key.key_hash").String()
			return checks.Check(res,
				checks.NotEmpty("account_root_key.key_hash"),
				checks.NotEmpty("account_root_key.encrypted_key"),
				checks.NotEmpty("vault_key.key_hash"),
				checks.NotEmpty("asym_keys"),
				checks.NotEmpty("box_key_shares"),
			)
		}},
		Step{"asymmetric keys need the current root key hash", func() error {
			_, err := s1.Post(ctx, "/crypto/secret-storage/asym-keys",
				httpcall.JSON(map[string]string{
					"public_key":            pubkey,
					"encrypted_secret_key":  random.Base64URL(32),
					"account_root_key_hash": random.Base64URL(16),
				}),
				httpcall.Expect(http.StatusForbidden),
			)
			return err
		}},
		Step{"add an asymmetric key", func() error {
			encrypted := random.Base64URL(32)
			res, err := s1.Post(ctx, "/crypto/secret-storage/asym-keys",
				httpcall.JSON(map[string]string{
					"public_key":            pubkey,
					"encrypted_secret_key":  encrypted,
					"account_root_key_hash": rootKeyHash,
				}),
				httpcall.Expect(http.StatusOK),
			)
			if err != nil {
				return err
			}
			if err := checks.Check(res, checks.Equal("encrypted_secret_key", encrypted)); err != nil {
				return err
			}
			if res, err = secrets(); err != nil {
				return err
			}
			return checks.Check(res, checks.Equal("asym_keys."+pubkey+".encrypted_secret_key", encrypted))
		}},
		Step{"box key shares need the current root key hash", func() error {
			body := map[string]string{"account_root_key_hash": random.Base64URL(16)}
			for k, v := range boxKeyShare {
				body[k] = v
			}
			_, err := s1.Put(ctx, "/crypto/secret-storage/box-key-shares/"+boxID, httpcall.JSON(body), httpcall.Expect(http.StatusForbidden))
			return err
		}},
		Step{"set a box key share", func() error {
			body := map[string]string{"account_root_key_hash": rootKeyHash}
			for k, v := range boxKeyShare {
				body[k] = v
			}
			if _, err := s1.Put(ctx, "/crypto/secret-storage/box-key-shares/"+boxID, httpcall.JSON(body), httpcall.Expect(http.StatusOK)); err != nil {
				return err
			}
			res, err := secrets()
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Equal("box_key_shares."+boxID+".invitation_share_hash", boxKeyShare["invitation_share_hash"]),
				checks.Equal("box_key_shares."+boxID+".encrypted_invitation_share", boxKeyShare["encrypted_invitation_share"]),
			)
		}},
		Step{"secrets of other accounts cannot be deleted", func() error {
			if _, err := s2.Delete(ctx, "/crypto/secret-storage/asym-keys",
				httpcall.JSON(map[string][]string{"public_keys": {pubkey}}),
				httpcall.Expect(http.StatusNotFound),
			); err != nil {
				return err
			}
			_, err := s2.Delete(ctx, "/crypto/secret-storage/box-key-shares",
				httpcall.JSON(map[string][]string{"box_ids": {boxID}}),
				httpcall.Expect(http.StatusNotFound),
			)
			return err
		}},
		Step{"delete asymmetric keys and box key shares", func() error {
			if _, err := s1.Delete(ctx, "/crypto/secret-storage/asym-keys",
				httpcall.JSON(map[string][]string{"public_keys": {pubkey}}),
				httpcall.Expect(http.StatusNoContent),
			); err != nil {
				return err
			}
			if _, err := s1.Delete(ctx, "/crypto/secret-storage/box-key-shares",
				httpcall.JSON(map[string][]string{"box_ids": {boxID}}),
				httpcall.Expect(http.StatusNoContent),
			); err != nil {
				return err
			}
			res, err := secrets()
			if err != nil {
				return err
			}
			return checks.Check(res, func(res *httpcall.Response) error {
				if checks.Field(res, "asym_keys."+pubkey).Exists() {
					return checks.Assert(false, "asymmetric key %s is still stored", pubkey)
				}
				return checks.Assert(!checks.Field(res, "box_key_shares."+boxID).Exists(), "box key share of %s is still stored", boxID)
			})
		}},
		Step{"a password reset replaces the secret storage", func() error {
			reset, err := env.Driver.Login(ctx, &authflow.Options{Email: s1.Email, ResetPassword: true, GetSecretStorage: true})
			if err != nil {
				return err
			}
			if err := checks.Assert(reset.AccountID == s1.AccountID, "account changed from %s to %s", s1.AccountID, reset.AccountID); err != nil {
				return err
			}
			res, err := reset.Session.Get(ctx, "/crypto/secret-storage", httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.NotEmpty("account_root_key.key_hash"),
				checks.NotEqual("account_root_key.key_hash", rootKeyHash),
			)
		}},
	)
}

func backupKeyShares(ctx context.Context, env *Env) error {
	s1, s2, err := twoSessions(ctx, env, &authflow.Options{RequireAccount: true})
	if err != nil {
		return err
	}
	noAccount, err := env.Session(ctx, nil)
	if err != nil {
		return err
	}
	newShare := func(accountID string) map[string]string {
		return map[string]string{
			"share":            base64.StdEncoding.EncodeToString(random.Bytes(16)),
			"other_share_hash": random.Base64URL(16),
			"account_id":       accountID,
			"salt_base64":      base64.StdEncoding.EncodeToString(random.Bytes(16)),
		}
	}
	share := newShare(s1.AccountID)
	create := func(sess *session.Session, body any, status int) (*httpcall.Response, error) {
		return sess.Post(ctx, "/backup-key-shares", httpcall.JSON(body), httpcall.Expect(status))
	}
	get := func(sess *session.Session, hash string, status int) (*httpcall.Response, error) {
		return sess.Get(ctx, "/backup-key-shares/"+hash, httpcall.Expect(status))
	}
	echoed := func(res *httpcall.Response) error {
		var body map[string]string
		if err := res.JSON(&body); err != nil {
			return err
		}
		return checks.Assert(reflect.DeepEqual(body, share), "backup key share is %v, expected %v", body, share)
	}
	only := func(fields ...string) map[string]string {
		partial := newShare(s1.AccountID)
		for k := range partial {
			if !slices.Contains(fields, k) {
				delete(partial, k)
			}
		}
		return partial
	}

	return env.Steps(
		Step{"create a backup key share", func() error {
			res, err := create(s1, share, http.StatusCreated)
			if err != nil {
				return err
			}
			return echoed(res)
		}},
		Step{"get the backup key share", func() error {
			res, err := get(s1, share["other_share_hash"], http.StatusOK)
			if err != nil {
				return err
			}
			return echoed(res)
		}},
		Step{"unknown backup key shares are not found", func() error {
			_, err := get(s1, "rOdGA-UXBfzNcHqscSfnNQQ", http.StatusNotFound)
			return err
		}},
		Step{"backup key shares of other accounts are not found", func() error {
			_, err := get(s2, share["other_share_hash"], http.StatusNotFound)
			return err
		}},
		Step{"identities without an account cannot use backup key shares", func() error {
			if _, err := create(noAccount, share, http.StatusForbidden); err != nil {
				return err
			}
			_, err := get(noAccount, share["other_share_hash"], http.StatusForbidden)
			return err
		}},
		Step{"backup key shares cannot be created for other accounts", func() error {
			_, err := create(s1, newShare(uuid.NewString()), http.StatusForbidden)
			return err
		}},
		Step{"incomplete backup key shares are rejected", func() error {
			for _, partial := range []map[string]string{
				only("share", "other_share_hash"),
				only("other_share_hash", "account_id"),
				only("share", "account_id"),
			} {
				if _, err := create(s1, partial, http.StatusBadRequest); err != nil {
					return err
				}
			}
			return nil
		}},
	)
}

func secretStorageMigration(ctx context.Context, env *Env) error {
	// accounts created with a legacy backup are not migrated yet
	s1, err := env.Session(ctx, &authflow.Options{ACR: 2, UseSecretBackup: true})
	if err != nil {
		return err
	}
	payload := secretstorage.NewFullData()

	return env.Steps(
		Step{"non-migrated accounts have no secret storage", func() error {
			_, err := s1.Get(ctx, "/crypto/secret-storage", httpcall.Expect(http.StatusConflict))
			return err
		}},
		Step{"account migration", func() error {
			_, err := s1.Post(ctx, "/crypto/migration/v2", httpcall.JSON(payload), httpcall.Expect(http.StatusNoContent))
			return err
		}},
		Step{"the secret storage holds the migrated secrets", func() error {
			raw, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			expected := map[string]any{}
			if err := json.Unmarshal(raw, &expected); err != nil {
				return err
			}
			for _, key := range []string{"pubkey", "non_identified_pubkey", "pubkey_aes_rsa", "non_identified_pubkey_aes_rsa"} {
				delete(expected, key)
			}
			res, err := s1.Get(ctx, "/crypto/secret-storage", httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			stored := map[string]any{}
			if err := res.JSON(&stored); err != nil {
				return err
			}
			return checks.Assert(checks.IncludedIn(expected, stored), "secret storage %s does not include the migrated secrets", res.Body)
		}},
		Step{"the identity uses the migrated public keys", func() error {
			_, res, err := s1.GetIdentity(ctx)
			if err != nil {
				return err
			}
			return checks.Check(res,
				checks.Equal("pubkey", payload.Pubkey),
				checks.Equal("non_identified_pubkey", payload.NonIdentifiedPubkey),
			)
		}},
		Step{"accounts are migrated once", func() error {
			_, err := s1.Post(ctx, "/crypto/migration/v2", httpcall.JSON(secretstorage.NewFullData()), httpcall.Expect(http.StatusConflict))
			return err
		}},
	)
}

func cryptoAESRSA(ctx context.Context, env *Env) error {
	var keyPair *aesrsa.KeyPair
	message := []byte("the quick brown fox jumps over the lazy dog")
	var encrypted string

	return env.Steps(
		Step{"generate a key pair", func() (err error) {
			keyPair, err = aesrsa.GenerateKeyPair()
			return err
		}},
		Step{"message round trip", func() error {
			var err error
			if encrypted, err = aesrsa.EncryptMessage(message, keyPair.PublicKey); err != nil {
				return err
			}
			decrypted, err := aesrsa.DecryptMessage(encrypted, keyPair.SecretKey)
			if err != nil {
				return err
			}
			return checks.Assert(bytes.Equal(decrypted, message), "decrypted message differs from the original")
		}},
		Step{"file round trip", func() error {
			content := random.Bytes(4096)
			encryptedFile, messageContent, err := aesrsa.EncryptFile(content, "report.pdf", keyPair.PublicKey)
			if err != nil {
				return err
			}
			decrypted, err := aesrsa.DecryptFile(encryptedFile, messageContent, keyPair.SecretKey)
			if err != nil {
				return err
			}
			return checks.Assert(bytes.Equal(decrypted, content), "decrypted file differs from the original")
		}},
		Step{"tampered files are rejected", func() error {
			content := random.Bytes(256)
			encryptedFile, messageContent, err := aesrsa.EncryptFile(content, "report.pdf", keyPair.PublicKey)
			if err != nil {
				return err
			}
			encryptedFile[0] ^= 0xff
			_, err = aesrsa.DecryptFile(encryptedFile, messageContent, keyPair.SecretKey)
			return checks.Assert(errors.Is(err, aesrsa.ErrInvalidAuthTag), "tampered file decrypted with error %v", err)
		}},
		Step{"malformed public keys are rejected", func() error {
			_, err := aesrsa.EncryptMessage(message, "com.misakey.BAD-enc:"+random.Base64URL(32))
			return checks.Assert(errors.Is(err, aesrsa.ErrMalformedPublicKey), "encryption with a malformed key returned %v", err)
		}},
		Step{"messages posted to a box decrypt with the box key", func() error {
			sess, err := env.Session(ctx, &authflow.Options{ACR: 2})
			if err != nil {
				return err
			}
			boxID, err := boxes.CreateBox(ctx, sess, boxes.DefaultTitle)
			if err != nil {
				return err
			}
			event := &boxes.Event{
				Type: boxes.TypeMsgText,
				Content: map[string]string{
					"encrypted":  encrypted,
					"public_key": keyPair.PublicKey,
				},
			}
			if _, err := boxes.PostEvent(ctx, sess, boxID, event); err != nil {
				return err
			}
			res, err := sess.Get(ctx, "/boxes/"+boxID+"/events", httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			var received string
			for _, e := range checks.Field(res, "@this").Array() {
				if e.Get("type").String() == boxes.TypeMsgText {
					received = e.Get("content.encrypted").String()
				}
			}
			if err := checks.Assert(received != "", "no message was listed in box %s", boxID); err != nil {
				return err
			}
			decrypted, err := aesrsa.DecryptMessage(received, keyPair.SecretKey)
			if err != nil {
				return err
			}
			return checks.Assert(bytes.Equal(decrypted, message), "message listed in box %s differs from the posted one", boxID)
		}},
		Step{"files uploaded to a box decrypt with the box key", func() error {
			sess, err := env.Session(ctx, &authflow.Options{ACR: 2})
			if err != nil {
				return err
			}
			boxID, err := boxes.CreateBox(ctx, sess, boxes.DefaultTitle)
			if err != nil {
				return err
			}
			content := random.Bytes(2048)
			encryptedFile, messageContent, err := aesrsa.EncryptFile(content, "report.pdf", keyPair.PublicKey)
			if err != nil {
				return err
			}
			file := &boxes.EncryptedFile{Content: encryptedFile, MessageContent: messageContent, PublicKey: keyPair.PublicKey}
			_, fileID, err := boxes.UploadEncryptedFile(ctx, sess, boxID, file)
			if err != nil {
				return err
			}
			res, err := sess.Get(ctx, "/encrypted-files/"+fileID, httpcall.Expect(http.StatusOK))
			if err != nil {
				return err
			}
			decrypted, err := aesrsa.DecryptFile(res.Body, messageContent, keyPair.SecretKey)
			if err != nil {
				return err
			}
			return checks.Assert(bytes.Equal(decrypted, content), "file downloaded from box %s differs from the uploaded one", boxID)
		}},
	)
}
