package auth

import (
	"database/sql"

	"calconnect-go/internal/apperr"
	"calconnect-go/internal/storage"
)

// sealedTokens are token columns ready to persist.
type sealedTokens struct {
	access    string
	accessIV  sql.NullString
	refresh   sql.NullString
	refreshIV sql.NullString
}

// sealTokens encrypts both tokens. An empty refresh token is stored as NULL.
func sealTokens(c *storage.Cipher, access, refresh string) (sealedTokens, error) {
	var out sealedTokens
	var err error
	out.access, out.accessIV, err = c.Seal(access)
	if err != nil {
		return sealedTokens{}, apperr.New(apperr.KindInternal, "failed to encrypt access token", err)
	}
	if refresh == "" {
		return out, nil
	}
	var value string
	value, out.refreshIV, err = c.Seal(refresh)
	if err != nil {
		return sealedTokens{}, apperr.New(apperr.KindInternal, "failed to encrypt refresh token", err)
	}
	out.refresh = sql.NullString{String: value, Valid: true}
	return out, nil
}

// openAccessToken returns the plaintext access token and whether it was stored unencrypted.
func openAccessToken(c *storage.Cipher, conn *storage.Connection) (string, bool, error) {
	pt, legacy, err := c.Open(conn.AccessToken, conn.AccessTokenIV)
	if err != nil {
		return "", false, apperr.New(apperr.KindDecryptionError, "stored access token could not be decrypted", err)
	}
	return pt, legacy, nil
}

// openRefreshToken returns "" when the connection has no refresh token.
func openRefreshToken(c *storage.Cipher, conn *storage.Connection) (string, bool, error) {
	if !conn.RefreshToken.Valid || conn.RefreshToken.String == "" {
		return "", false, nil
	}
	pt, legacy, err := c.Open(conn.RefreshToken.String, conn.RefreshTokenIV)
	if err != nil {
		return "", false, apperr.New(apperr.KindDecryptionError, "stored refresh token could not be decrypted", err)
	}
	return pt, legacy, nil
}
