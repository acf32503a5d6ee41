package boxes

import (
	"context"
	"github.com/misakey/apitest/internal/authflow"
	"github.com/misakey/apitest/internal/checks"
	"github.com/misakey/apitest/internal/fakeapi"
	"github.com/misakey/apitest/internal/httpcall"
	"github.com/misakey/apitest/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"testing"
)

func newSession(t *testing.T, opts *authflow.Options) (*authflow.Driver, *session.Session) {
	t.Helper()
	fake, err := fakeapi.New()
	require.NoError(t, err)
	t.Cleanup(fake.Close)

	driver := &authflow.Driver{Config: fake.Config(), Storage: fake.Storage()}
	sess, err := driver.NewAuthenticatedSession(context.Background(), opts)
	require.NoError(t, err)
	return driver, sess
}

func TestCreateBoxAndPostSomeEvents(t *testing.T) {
	_, sess := newSession(t, nil)
	ctx := context.Background()

	for _, public := range []bool{false, true} {
		box, err := CreateBoxAndPostSomeEvents(ctx, sess, public)
		require.NoError(t, err)
		assert.NotEmpty(t, box.ID)
		assert.NotEmpty(t, box.KeyShare.OtherShareHash)

		res, err := sess.Get(ctx, "/boxes/"+box.ID, httpcall.Expect(http.StatusOK))
		require.NoError(t, err)
		mode := AccessModeLimited
		if public {
			mode = AccessModePublic
		}
		assert.NoError(t, checks.Check(res, checks.Equal("access_mode", mode)))
	}
}

func TestKeyShareIsReadableByMembers(t *testing.T) {
	_, sess := newSession(t, nil)
	ctx := context.Background()

	box, err := CreateBoxAndPostSomeEvents(ctx, sess, false)
	require.NoError(t, err)

	res, err := sess.Get(ctx, "/box-key-shares/"+box.KeyShare.OtherShareHash, httpcall.Expect(http.StatusOK))
	require.NoError(t, err)
	assert.NoError(t, checks.Check(res,
		checks.Equal("box_id", box.ID),
		checks.Equal("share", box.KeyShare.MisakeyShare),
	))
}

func TestPostEventRejectsIncompleteMessage(t *testing.T) {
	_, sess := newSession(t, nil)
	ctx := context.Background()

	id, err := CreateBox(ctx, sess, DefaultTitle)
	require.NoError(t, err)

	_, err = PostEvent(ctx, sess, id, &Event{Type: TypeMsgText}, httpcall.Expect(http.StatusBadRequest))
	assert.NoError(t, err)

	_, err = PostEvent(ctx, sess, id, NewInvitationLinkEvent())
	assert.NoError(t, err)
}

func TestCreateOrgBox(t *testing.T) {
	driver, user := newSession(t, &authflow.Options{ACR: 2})
	ctx := context.Background()

	org, err := driver.GetOrgSession(ctx, user)
	require.NoError(t, err)

	id, err := CreateOrgBox(ctx, org, "Org Box")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestUploadEncryptedFile(t *testing.T) {
	_, sess := newSession(t, nil)
	ctx := context.Background()

	id, err := CreateBox(ctx, sess, DefaultTitle)
	require.NoError(t, err)

	file := NewEncryptedFile(64)
	_, fileID, err := UploadEncryptedFile(ctx, sess, id, file)
	require.NoError(t, err)
	assert.NotEmpty(t, fileID)

	res, err := sess.Get(ctx, "/encrypted-files/"+fileID, httpcall.Expect(http.StatusOK))
	require.NoError(t, err)
	assert.Equal(t, file.Content, res.Body)

	res, fileID, err = UploadEncryptedFile(ctx, sess, id, file, httpcall.Multipart(nil), httpcall.Expect(http.StatusBadRequest))
	require.NoError(t, err)
	assert.Empty(t, fileID)
	assert.NoError(t, checks.Check(res, checks.Equal("details.encrypted_file", "required")))
}

func TestEditAndDeleteMessage(t *testing.T) {
	_, sess := newSession(t, nil)
	ctx := context.Background()

	id, err := CreateBox(ctx, sess, DefaultTitle)
	require.NoError(t, err)
	res, err := PostEvent(ctx, sess, id, NewMessageEvent())
	require.NoError(t, err)
	msgID := checks.Field(res, "id").String()

	_, err = PostEvent(ctx, sess, id, NewEditEvent(msgID, "RWRpdGVk", "RWRpdGVk"))
	require.NoError(t, err)
	_, err = PostEvent(ctx, sess, id, NewDeleteEvent(msgID))
	require.NoError(t, err)
	_, err = PostEvent(ctx, sess, id, NewDeleteEvent(msgID), httpcall.Expect(http.StatusGone))
	assert.NoError(t, err)
	_, err = PostEvent(ctx, sess, id, NewEditEvent(msgID, "RWRpdGVk", "RWRpdGVk"), httpcall.Expect(http.StatusGone))
	assert.NoError(t, err)
}
