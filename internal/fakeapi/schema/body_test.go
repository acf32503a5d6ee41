package schema

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http/httptest"
	"strings"
	"testing"
)

type testPayload struct {
	LoginChallenge string `json:"login_challenge" required:"true"`
	AuthnStep      *struct {
		IdentityID string `json:"identity_id" required:"true"`
		MethodName string `json:"method_name" required:"true"`
	} `json:"authn_step" required:"true"`
	Optional string `json:"optional"`
}

func TestUnmarshalBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"login_challenge":"c","authn_step":{"identity_id":"i","method_name":"emailed_code"}}`))
	payload, validationErr, err := UnmarshalBody[testPayload](req)
	require.NoError(t, err)
	require.Nil(t, validationErr)
	assert.Equal(t, "emailed_code", payload.AuthnStep.MethodName)
}

func TestUnmarshalBodyMissingFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"authn_step":{"identity_id":"i"}}`))
	_, validationErr, err := UnmarshalBody[testPayload](req)
	require.NoError(t, err)
	require.NotNil(t, validationErr)
	assert.Equal(t, "bad_request", validationErr.Code)
	assert.Equal(t, map[string]string{
		"login_challenge":        DetailRequired,
		"authn_step.method_name": DetailRequired,
	}, validationErr.Details)
}

func TestUnmarshalBodyInvalidJSON(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{`))
	_, validationErr, err := UnmarshalBody[testPayload](req)
	require.NoError(t, err)
	require.NotNil(t, validationErr)
	assert.Equal(t, DetailMalformed, validationErr.Details["body"])
}
