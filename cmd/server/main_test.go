package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"awg-admin/internal/auth"
	"awg-admin/internal/config"
)

func TestRunHashPassword(t *testing.T) {
	t.Run("should print a bcrypt hash line", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runHashPassword(strings.NewReader("correct horse\n"), &out))

		line := strings.TrimSpace(out.String())
		require.True(t, strings.HasPrefix(line, "http.admin_password_hash=$2a$"))
		hash := strings.TrimPrefix(line, "http.admin_password_hash=")
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct horse")))
	})

	t.Run("should reject an empty password", func(t *testing.T) {
		assert.EqualError(t, runHashPassword(strings.NewReader("\n"), &bytes.Buffer{}), "empty password")
	})
}

func TestRunIssueToken(t *testing.T) {
	t.Run("should issue a token the API accepts", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.HTTP.JWTSecret = "signing-secret"
		cfg.HTTP.TokenTTL = time.Hour

		var out bytes.Buffer
		require.NoError(t, runIssueToken(cfg, &out))

		token := strings.SplitN(out.String(), "\n", 2)[0]
		claims, err := auth.NewAuthManager("signing-secret", "").ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, auth.AdminSubject, claims.Subject)
	})

	t.Run("should refuse without a signing secret", func(t *testing.T) {
		assert.Error(t, runIssueToken(&config.Config{}, &bytes.Buffer{}))
	})
}
