package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue("user-42", time.Hour)
	require.NoError(t, err)

	userID, claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)
	assert.Equal(t, "authenticated", claims.Role)
}

func TestVerifier_Rejects(t *testing.T) {
	issuer := NewVerifier("secret")
	good, err := issuer.Issue("user-42", time.Hour)
	require.NoError(t, err)

	expiredIssuer := NewVerifier("secret")
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredIssuer.Issue("user-42", time.Hour)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		token  string
		want   error
	}{
		{name: "empty", secret: "secret", token: "", want: ErrMissingToken},
		{name: "wrong secret", secret: "other", token: good, want: ErrInvalidToken},
		{name: "expired", secret: "secret", token: expired, want: ErrTokenExpired},
		{name: "garbage", secret: "secret", token: "abc.def.ghi", want: ErrInvalidToken},
		{name: "no subject", secret: "secret", token: noSubject, want: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewVerifier(tt.secret).Verify(tt.token)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func newRouter(v *Verifier, required bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Middleware(v, required, nil), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c)})
	})
	return r
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue("user-7", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		required bool
		header   string
		status   int
		body     string
	}{
		{name: "required without token", required: true, status: http.StatusUnauthorized},
		{name: "optional without token", required: false, status: http.StatusOK, body: `{"user_id":""}`},
		{name: "valid token", required: true, header: "Bearer " + token, status: http.StatusOK, body: `{"user_id":"user-7"}`},
		{name: "lowercase scheme", required: true, header: "bearer " + token, status: http.StatusOK, body: `{"user_id":"user-7"}`},
		{name: "bad format", required: false, header: "Token " + token, status: http.StatusUnauthorized},
		{name: "bad token when optional", required: false, header: "Bearer nope", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			newRouter(v, tt.required).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.JSONEq(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestMiddleware_QueryToken(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue("user-7", time.Hour)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := gin.New()
	me := func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"user_id": UserID(c)}) }
	r.GET("/media", Middleware(v, false, nil, WithQueryToken(QueryTokenParam)), me)
	r.GET("/plain", Middleware(v, false, nil), me)

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{name: "query token accepted", path: "/media?access_token=" + token, status: http.StatusOK, body: `{"user_id":"user-7"}`},
		{name: "invalid query token", path: "/media?access_token=nope", status: http.StatusUnauthorized},
		{name: "no token stays anonymous", path: "/media", status: http.StatusOK, body: `{"user_id":""}`},
		{name: "query ignored without option", path: "/plain?access_token=" + token, status: http.StatusOK, body: `{"user_id":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.JSONEq(t, tt.body, rec.Body.String())
			}
		})
	}
}
