package authflow

import (
	"bytes"
	"context"
	"errors"
	"github.com/misakey/apitest/internal/fakeapi"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/misakey/apitest/internal/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/url"
	"regexp"
	"testing"
)

func newDriver(t *testing.T) (*Driver, *bytes.Buffer) {
	t.Helper()
	driver, _, buf := newDriverWithFake(t)
	return driver, buf
}

func newDriverWithFake(t *testing.T) (*Driver, *fakeapi.Server, *bytes.Buffer) {
	t.Helper()
	fake, err := fakeapi.New()
	require.NoError(t, err)
	t.Cleanup(fake.Close)

	buf := new(bytes.Buffer)
	return &Driver{
		Config:  fake.Config(),
		Storage: fake.Storage(),
		Log:     transcript.NewWriterLog(buf),
	}, fake, buf
}

func TestLoginNewIdentity(t *testing.T) {
	driver, buf := newDriver(t)
	ctx := context.Background()

	creds, err := driver.Login(ctx, &Options{})
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{6}-test@misakey\.com$`), creds.Email)
	assert.NotEmpty(t, creds.AccessToken)
	assert.NotEmpty(t, creds.IDToken)
	assert.NotEmpty(t, creds.IdentityID)
	assert.Empty(t, creds.AccountID)
	assert.True(t, creds.ConsentDone)
	assert.Equal(t, creds.IdentityID, creds.Session.IdentityID)
	assert.NotEmpty(t, creds.Session.CSRFToken())

	assert.Contains(t, buf.String(), "PUT "+driver.Config.APIURL+"/auth/identities")
	assert.Contains(t, buf.String(), "POST "+driver.Config.APIURL+"/auth/consent")

	identity, _, err := creds.Session.GetIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, creds.Email, identity.IdentifierValue)
}

func TestLoginTwiceSkipsConsent(t *testing.T) {
	driver, _ := newDriver(t)
	ctx := context.Background()

	first, err := driver.Login(ctx, &Options{})
	require.NoError(t, err)

	second, err := driver.Login(ctx, &Options{Email: first.Email})
	require.NoError(t, err)
	assert.Equal(t, first.IdentityID, second.IdentityID)
	assert.False(t, second.ConsentDone)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
}

func TestLoginRequireAccount(t *testing.T) {
	driver, _ := newDriver(t)
	ctx := context.Background()

	creds, err := driver.Login(ctx, &Options{RequireAccount: true, GetSecretStorage: true})
	require.NoError(t, err)
	assert.NotEmpty(t, creds.AccountID)

	identity, _, err := creds.Session.GetIdentity(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, identity.PubkeyAESRSA)

	// The account now prefers its password, so the emailed code is requested explicitly
	again, err := driver.Login(ctx, &Options{Email: creds.Email, RequireAccount: true})
	require.NoError(t, err)
	assert.Equal(t, creds.AccountID, again.AccountID)
}

func TestLoginUseSecretBackup(t *testing.T) {
	driver, _ := newDriver(t)

	creds, err := driver.Login(context.Background(), &Options{RequireAccount: true, UseSecretBackup: true, GetSecretStorage: true})
	require.NoError(t, err)
	assert.NotEmpty(t, creds.AccountID)
}

func TestLoginResetPassword(t *testing.T) {
	driver, _ := newDriver(t)
	ctx := context.Background()

	creds, err := driver.Login(ctx, &Options{RequireAccount: true})
	require.NoError(t, err)

	reset, err := driver.Login(ctx, &Options{Email: creds.Email, ResetPassword: true, GetSecretStorage: true})
	require.NoError(t, err)
	assert.Equal(t, creds.AccountID, reset.AccountID)
	assert.Equal(t, creds.IdentityID, reset.IdentityID)
}

func TestLoginResetPasswordWithoutPrompt(t *testing.T) {
	driver, fake, buf := newDriverWithFake(t)
	ctx := context.Background()

	creds, err := driver.Login(ctx, &Options{RequireAccount: true})
	require.NoError(t, err)
	before, _, err := creds.Session.GetIdentity(ctx)
	require.NoError(t, err)

	// The server accepts the login right after the emailed code
	fake.SkipResetPrompt.Store(true)
	buf.Reset()
	reset, err := driver.Login(ctx, &Options{Email: creds.Email, ResetPassword: true, GetSecretStorage: true})
	require.NoError(t, err)
	assert.Equal(t, creds.AccountID, reset.AccountID)
	assert.Contains(t, buf.String(), `"reset_password"`)

	after, _, err := reset.Session.GetIdentity(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before.PubkeyAESRSA, after.PubkeyAESRSA, "the reset replaced the secret storage")
}

func TestSecretStorageNeedsTheFlowParameters(t *testing.T) {
	driver, _ := newDriver(t)
	ctx := context.Background()

	creds, err := driver.Login(ctx, &Options{RequireAccount: true, GetSecretStorage: true})
	require.NoError(t, err)
	sess := creds.Session

	_, err = sess.Get(ctx, "/auth/secret-storage", httpcall.Expect(http.StatusBadRequest))
	assert.NoError(t, err)

	_, err = sess.Get(ctx, "/auth/secret-storage",
		httpcall.Query(url.Values{"login_challenge": {"unknown"}, "identity_id": {creds.IdentityID}}),
		httpcall.Expect(http.StatusForbidden),
	)
	assert.NoError(t, err)

	_, err = sess.Get(ctx, "/auth/secret-storage",
		httpcall.Query(url.Values{"login_challenge": {"unknown"}, "identity_id": {"not-a-uuid"}}),
		httpcall.Expect(http.StatusBadRequest),
	)
	assert.NoError(t, err)
}

func TestAuthnCookiesFollowTheStepToken(t *testing.T) {
	assert.Nil(t, (&assertResponse{Next: "redirect"}).authnCookies())
	assert.Len(t, (&assertResponse{Next: "authn_step", AccessToken: "token"}).authnCookies(), 2)

	// The password steps authenticate with the returned token even without the cookie jar
	driver, fake, _ := newDriverWithFake(t)
	fake.DropAuthnCookies.Store(true)
	creds, err := driver.Login(context.Background(), &Options{RequireAccount: true, GetSecretStorage: true})
	require.NoError(t, err)
	assert.NotEmpty(t, creds.AccountID)
}

func TestLoginVerifyIDToken(t *testing.T) {
	driver, _ := newDriver(t)

	creds, err := driver.Login(context.Background(), &Options{VerifyIDToken: true})
	require.NoError(t, err)
	assert.NotEmpty(t, creds.IDToken)
}

func TestLoginRejectsInvalidOptions(t *testing.T) {
	driver, _ := newDriver(t)
	ctx := context.Background()

	_, err := driver.Login(ctx, &Options{RequireAccount: true, ACR: 1})
	assert.True(t, errors.Is(err, ErrIncompatibleOptions))

	_, err = driver.Login(ctx, &Options{ResetPassword: true})
	assert.True(t, errors.Is(err, ErrResetWithoutEmail))

	_, err = driver.Login(ctx, &Options{GetSecretStorage: true})
	assert.True(t, errors.Is(err, ErrNoSecretStorage))
}

func TestLoginRejectedAuthorizationRequest(t *testing.T) {
	driver, _ := newDriver(t)
	driver.Config.ClientID = "00000000-0000-0000-0000-00000000dead"

	_, err := driver.Login(context.Background(), &Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestGetOrgSession(t *testing.T) {
	driver, _ := newDriver(t)
	ctx := context.Background()

	user, err := driver.NewAuthenticatedSession(ctx, &Options{ACR: 2})
	require.NoError(t, err)

	org, err := driver.GetOrgSession(ctx, user)
	require.NoError(t, err)
	assert.NotEmpty(t, org.OrgID)
	assert.NotEmpty(t, org.OrgAccessToken)

	res, err := org.Post(ctx, "/organizations/"+org.OrgID+"/boxes",
		httpcall.JSON(map[string]string{"title": "Org Box", "public_key": "ShouldBeUnpaddedUrlSafeBase64"}),
		httpcall.Expect(http.StatusCreated),
	)
	require.NoError(t, err)
	obj, err := res.Object()
	require.NoError(t, err)
	assert.Equal(t, org.OrgID, obj["owner_org_id"])
}

func TestGetOrgSessionNeedsACR2(t *testing.T) {
	driver, _ := newDriver(t)
	ctx := context.Background()

	user, err := driver.NewAuthenticatedSession(ctx, &Options{ACR: 1})
	require.NoError(t, err)

	_, err = driver.GetOrgSession(ctx, user)
	require.Error(t, err)
	assert.True(t, httpcall.IsUnexpectedStatus(err))
	assert.True(t, httpcall.IsStatus(err))
	assert.Equal(t, http.StatusForbidden, httpcall.ResponseOf(err).StatusCode)
}
