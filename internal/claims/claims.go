// Package claims はセッショントークン（JWT）のペイロードを復号する。
//
// 署名の検証はサーバーの責務であり、クライアントは鍵を持たない。
// ここでは構造の妥当性のみを確認し、復号できないトークンは常に拒否する。
package claims

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/medsync/internal/model"
)

// ErrMissingUserID はトークンに利用者IDが含まれない場合のエラー。
var ErrMissingUserID = errors.New("token has no user id")

// tokenClaims はサーバーが発行するトークンのペイロード。
// idは数値・文字列のどちらでも発行されうる。
type tokenClaims struct {
	UserID   json.RawMessage `json:"id"`
	Username string          `json:"username"`
	Role     string          `json:"role"`
	jwt.RegisteredClaims
}

var parser = jwt.NewParser()

// Decode はトークンのペイロードを復号してクレームを返す。
// JWTの形式でない場合、またはidとsubのどちらも含まれない場合はエラーを返す。
// 有効期限の判定は行わない（Claims.Expiredを使う）。
func Decode(token string) (model.Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.Claims{}, errors.New("empty token")
	}

	var tc tokenClaims
	if _, _, err := parser.ParseUnverified(token, &tc); err != nil {
		return model.Claims{}, fmt.Errorf("decode token: %w", err)
	}

	id, err := flexibleID(tc.UserID)
	if err != nil {
		return model.Claims{}, fmt.Errorf("decode token id: %w", err)
	}
	if id == "" {
		id = tc.Subject
	}
	if id == "" {
		return model.Claims{}, ErrMissingUserID
	}

	c := model.Claims{
		UserID:   id,
		Username: tc.Username,
		Role:     strings.TrimSpace(tc.Role),
	}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		c.ExpiresAt = tc.ExpiresAt.Time
	}
	return c, nil
}

// flexibleID は数値または文字列のIDを文字列に正規化する。
func flexibleID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("id must be a string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}
