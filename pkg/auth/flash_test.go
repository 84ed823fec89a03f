package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(rec *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/apache-superset/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func TestFlashStore_AddAndPop(t *testing.T) {
	store, err := NewFlashStore("test-secret", DeriveCookieSettings("http://localhost:5050", ""))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/apache-superset/create-dataset/7", nil)
	require.NoError(t, store.Add(rec, req, FlashSuccess, "Chart imported as sales"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, FlashSessionName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.False(t, cookies[0].Secure)

	next := roundTrip(rec)
	rec2 := httptest.NewRecorder()
	flashes, err := store.Pop(rec2, next)
	require.NoError(t, err)
	assert.Equal(t, []Flash{{Category: FlashSuccess, Message: "Chart imported as sales"}}, flashes)

	again, err := store.Pop(httptest.NewRecorder(), roundTrip(rec2))
	require.NoError(t, err)
	assert.Empty(t, again, "flashes are one-shot")
}

func TestFlashStore_Ordering(t *testing.T) {
	store, err := NewFlashStore("test-secret", CookieSettings{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	require.NoError(t, store.Add(rec, req, FlashError, "first error"))

	rec2 := httptest.NewRecorder()
	require.NoError(t, store.Add(rec2, roundTrip(rec), FlashSuccess, "then success"))

	flashes, err := store.Pop(httptest.NewRecorder(), roundTrip(rec2))
	require.NoError(t, err)
	require.Len(t, flashes, 2)
	assert.Equal(t, FlashSuccess, flashes[0].Category)
	assert.Equal(t, FlashError, flashes[1].Category)
}

func TestFlashStore_ForeignKeyIgnored(t *testing.T) {
	writer, err := NewFlashStore("secret-a", CookieSettings{})
	require.NoError(t, err)
	reader, err := NewFlashStore("secret-b", CookieSettings{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, writer.Add(rec, httptest.NewRequest(http.MethodPost, "/", nil), FlashSuccess, "hello"))

	flashes, err := reader.Pop(httptest.NewRecorder(), roundTrip(rec))
	require.NoError(t, err)
	assert.Empty(t, flashes)
}

func TestFlashStore_EmptySecret(t *testing.T) {
	store, err := NewFlashStore("", CookieSettings{Secure: true})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, store.Add(rec, httptest.NewRequest(http.MethodPost, "/", nil), FlashSuccess, "ok"))
	assert.True(t, rec.Result().Cookies()[0].Secure)
}
