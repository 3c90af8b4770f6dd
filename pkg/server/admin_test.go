package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/convoice/pkg/protocol"
	"github.com/aeolun/convoice/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Edits made through a second database handle, as the member commands do,
// survive snapshots and reach the live table on reload.
func TestOutOfProcessMemberEditsSurviveSnapshots(t *testing.T) {
	cfg := journeyConfig(t)
	srv := startServer(t, cfg)
	ctx := context.Background()

	side, err := store.Open(cfg.DatabasePath)
	require.NoError(t, err)
	defer side.Close()

	require.NoError(t, side.PutMember(ctx, store.Member{Username: "carol", Password: "pw"}))
	time.Sleep(4 * cfg.SnapshotInterval)

	stored, err := side.LoadMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.Member{{Username: "carol", Password: "pw"}}, stored)
	assert.False(t, srv.Members().Validate("carol", "pw"), "not visible before reload")

	require.NoError(t, srv.Reload(ctx, cfg))
	assert.True(t, srv.Members().Validate("carol", "pw"))

	require.NoError(t, side.ModifyMember(ctx, "carol", "caroline", "pw2"))
	require.NoError(t, srv.Reload(ctx, cfg))
	assert.False(t, srv.Members().Validate("carol", "pw"))
	assert.True(t, srv.Members().Validate("caroline", "pw2"))

	c := connect(t, srv.Addr().String(), member("caroline", "pw2"))
	assert.True(t, srv.permissions.IsMember(c.UserID()))
}

func TestServerMemberWriteThrough(t *testing.T) {
	cfg := journeyConfig(t)
	srv := startServer(t, cfg)
	ctx := context.Background()

	require.NoError(t, srv.AddMember(ctx, Member{Username: "dave", Password: "d", Nickname: "D"}))
	assert.ErrorIs(t, srv.AddMember(ctx, Member{Username: "dave"}), ErrMemberExists)
	require.NoError(t, srv.AddMember(ctx, Member{Username: "erin", Password: "e"}))

	require.NoError(t, srv.ModifyMember(ctx, "dave", "david", "d2"))
	assert.ErrorIs(t, srv.ModifyMember(ctx, "david", "erin", "x"), ErrMemberExists)
	assert.ErrorIs(t, srv.ModifyMember(ctx, "ghost", "ghost2", "x"), ErrMemberNotFound)

	require.NoError(t, srv.DeleteMember(ctx, "erin"))
	assert.ErrorIs(t, srv.DeleteMember(ctx, "erin"), ErrMemberNotFound)

	stored, err := srv.store.LoadMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.Member{{Username: "david", Password: "d2", Nickname: "D"}}, stored)
	assert.Equal(t, []Member{{Username: "david", Password: "d2", Nickname: "D"}}, srv.Members().List())
}

func TestMemberRoutes(t *testing.T) {
	srv := startServer(t, journeyConfig(t))
	mux := http.NewServeMux()
	srv.adminRoutes(mux)

	do := func(method, target string, form url.Values) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodPost, "/members", url.Values{"username": {"frank"}, "password": {"f"}, "nickname": {"Frankie"}})
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = do(http.MethodPost, "/members", url.Values{"username": {"frank"}, "password": {"x"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(http.MethodPost, "/members", url.Values{"password": {"x"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodGet, "/members", nil)
	assert.Equal(t, "frank\tFrankie\n", rec.Body.String())

	rec = do(http.MethodPut, "/members/frank", url.Values{"username": {"francis"}, "password": {"f2"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, srv.Members().Validate("francis", "f2"))

	rec = do(http.MethodDelete, "/members/frank", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(http.MethodDelete, "/members/francis", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, srv.Members().List())
}

func TestMemberLoginFallsBackToStoredNickname(t *testing.T) {
	srv := startServer(t, journeyConfig(t))
	require.NoError(t, srv.AddMember(context.Background(), Member{Username: "gina", Password: "g", Nickname: "Gigi"}))

	c := connect(t, srv.Addr().String(), protocol.Login{IsMember: true, Username: "gina", Password: "g"})
	u, ok := srv.Users().Get(c.UserID())
	require.True(t, ok)
	assert.Equal(t, "Gigi", u.Nickname)

	named := connect(t, srv.Addr().String(), member("gina", "g"))
	u, ok = srv.Users().Get(named.UserID())
	require.True(t, ok)
	assert.Equal(t, "gina", u.Nickname, "a nickname sent at login wins")
}
