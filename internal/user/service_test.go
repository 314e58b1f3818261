package user

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_RegisterLoginValidate(t *testing.T) {
	svc := NewService(NewMemoryStore(), "test-secret", time.Hour)
	ctx := context.Background()

	reg, err := svc.Register(ctx, &RegisterRequest{Username: " aminata ", Password: "s3cret!"})
	require.NoError(t, err)
	assert.Equal(t, "aminata", reg.Username)
	assert.NotEmpty(t, reg.ID)

	_, err = svc.Register(ctx, &RegisterRequest{Username: "aminata", Password: "another1"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	_, err = svc.Register(ctx, &RegisterRequest{Username: "ab", Password: "s3cret!"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Register(ctx, &RegisterRequest{Username: "moussa", Password: "123"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Login(ctx, &RegisterRequest{Username: "aminata", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, &RegisterRequest{Username: "nobody", Password: "s3cret!"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := svc.Login(ctx, &RegisterRequest{Username: "aminata", Password: "s3cret!"})
	require.NoError(t, err)
	assert.Equal(t, reg.ID, res.ID)

	id, name, err := svc.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, reg.ID, id)
	assert.Equal(t, "aminata", name)

	n, err := svc.MemberName(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, "aminata", n)
}

func TestService_ValidateTokenRejects(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, "test-secret", time.Hour)
	ctx := context.Background()
	_, err := svc.Register(ctx, &RegisterRequest{Username: "aminata", Password: "s3cret!"})
	require.NoError(t, err)
	res, err := svc.Login(ctx, &RegisterRequest{Username: "aminata", Password: "s3cret!"})
	require.NoError(t, err)

	other := NewService(store, "other-secret", time.Hour)
	_, _, err = other.ValidateToken(res.AccessToken)
	assert.Error(t, err, "wrong secret")

	later := NewService(store, "test-secret", time.Hour)
	later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, _, err = later.ValidateToken(res.AccessToken)
	assert.Error(t, err, "expired")

	_, _, err = svc.ValidateToken("not-a-token")
	assert.Error(t, err)
}

func TestHandler_RegisterLoginSearch(t *testing.T) {
	h := NewHandler(NewService(NewMemoryStore(), "test-secret", time.Hour))

	post := func(fn http.HandlerFunc, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		fn(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body)))
		return rec
	}

	assert.Equal(t, http.StatusCreated, post(h.Register, `{"username":"aminata","password":"s3cret!"}`).Code)
	assert.Equal(t, http.StatusConflict, post(h.Register, `{"username":"aminata","password":"s3cret!"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(h.Register, `{"username":"a"}`).Code)
	assert.Equal(t, http.StatusUnauthorized, post(h.Login, `{"username":"aminata","password":"nope"}`).Code)

	rec := post(h.Login, `{"username":"aminata","password":"s3cret!"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.NotEmpty(t, res.AccessToken)

	rec = httptest.NewRecorder()
	h.SearchUsers(rec, httptest.NewRequest(http.MethodGet, "/api/users/search?q=AMI", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var users []User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 1)
	assert.Equal(t, "aminata", users[0].Username)
}
