package authflow

import (
	"context"
	"github.com/misakey/apitest/internal/checks"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/misakey/apitest/internal/random"
	"github.com/misakey/apitest/internal/session"
	"github.com/misakey/apitest/internal/transcript"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"net/http"
)

// NewOrganization creates an organization administrated by the identity of user
func (driver *Driver) NewOrganization(ctx context.Context, user *session.Session, name string) (string, error) {
	res, err := user.Post(ctx, "/organizations",
		httpcall.JSON(map[string]string{"name": name}),
		httpcall.Expect(http.StatusCreated),
	)
	if err != nil {
		return "", err
	}
	err = checks.Check(res,
		checks.Equal("name", name),
		checks.Equal("creator_id", user.IdentityID),
		checks.Equal("current_identity_role", "admin"),
		checks.NotEmpty("id"),
	)
	if err != nil {
		return "", err
	}
	return checks.Field(res, "id").String(), nil
}

// OrganizationSecret generates the client secret of an organization, or returns the existing one
func (driver *Driver) OrganizationSecret(ctx context.Context, user *session.Session, orgID string) (string, error) {
	res, err := user.Put(ctx, "/organizations/"+orgID+"/secret", httpcall.Expect(http.StatusOK))
	if err != nil {
		return "", err
	}
	if err := checks.Check(res, checks.NotEmpty("secret")); err != nil {
		return "", err
	}
	return checks.Field(res, "secret").String(), nil
}

// OrganizationToken obtains an access token for an organization using the client credentials grant
func (driver *Driver) OrganizationToken(ctx context.Context, orgID, secret string) (*oauth2.Token, error) {
	creds := &clientcredentials.Config{
		ClientID:     orgID,
		ClientSecret: secret,
		TokenURL:     driver.Config.AuthURL + "/_/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	base := driver.newHTTPClient()
	tokenClient := &http.Client{
		Transport: &transcript.Transport{Base: base.Transport, Log: driver.Log},
		Timeout:   base.Timeout,
	}
	return creds.Token(context.WithValue(ctx, oauth2.HTTPClient, tokenClient))
}

// GetOrgSession creates an organization administrated by user and returns a session authenticated as that organization
func (driver *Driver) GetOrgSession(ctx context.Context, user *session.Session) (*session.Session, error) {
	name := random.Hex(3) + "-org"
	orgID, err := driver.NewOrganization(ctx, user, name)
	if err != nil {
		return nil, err
	}
	secret, err := driver.OrganizationSecret(ctx, user, orgID)
	if err != nil {
		return nil, err
	}
	token, err := driver.OrganizationToken(ctx, orgID, secret)
	if err != nil {
		return nil, err
	}

	orgSession := driver.NewSession()
	orgSession.SetBearer(token.AccessToken)
	orgSession.OrgID = orgID
	orgSession.OrgName = name
	orgSession.OrgAccessToken = token.AccessToken
	log.Info().Str("org_id", orgID).Str("org_name", name).Msg("created an organization session")
	return orgSession, nil
}
