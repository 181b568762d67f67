/*
 * @Author: NEFU AB-IN
 * @Date: 2025-10-08 20:40:41
 * @FilePath: \audit-trail-app\backend\internal\infra\token\jwt_manager.go
 * @LastEditTime: 2026-10-16 11:31:43
 */
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	domain "audit-trail-app/backend/internal/domain/user"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	claimTokenID      = "jti"
	claimRoles        = "roles"
	claimSwitchedUser = "switched_user"
)

var (
	// ErrTokenInvalid 表示令牌签名、格式或有效期不合法。
	ErrTokenInvalid = errors.New("token invalid")
	// ErrSubjectMissing 表示令牌缺少 sub。
	ErrSubjectMissing = errors.New("missing subject")
)

// TokenPair 是登录接口返回的访问令牌。
type TokenPair struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	SessionID   string `json:"-"`
}

// Claims 是从访问令牌中解析出的身份信息。SessionID 对应 jti。
type Claims struct {
	UserID       uint64
	Username     string
	Roles        []string
	SessionID    string
	SwitchedUser uint64
	ExpiresAt    time.Time
}

// JWTManager 基于对称密钥签发并校验访问令牌。
type JWTManager struct {
	secret    string
	accessTTL time.Duration
	now       func() time.Time
}

// NewJWTManager 创建 JWT 管理器。
func NewJWTManager(secret string, accessTTL time.Duration) *JWTManager {
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	return &JWTManager{secret: secret, accessTTL: accessTTL, now: time.Now}
}

// Issue 为用户签发访问令牌，每次签发生成新的会话 id。
func (m *JWTManager) Issue(user *domain.User) (TokenPair, error) {
	return m.issue(user, 0)
}

// IssueSwitched 签发一个以 switchedID 身份操作的令牌，sub 仍是真实用户。
func (m *JWTManager) IssueSwitched(user *domain.User, switchedID uint64) (TokenPair, error) {
	return m.issue(user, switchedID)
}

func (m *JWTManager) issue(user *domain.User, switchedID uint64) (TokenPair, error) {
	expiresAt := m.now().Add(m.accessTTL)
	sessionID := uuid.NewString()

	claims := jwt.MapClaims{
		"sub":        strconv.FormatUint(user.ID, 10),
		"username":   user.Username,
		"exp":        expiresAt.Unix(),
		claimRoles:   user.RoleList(),
		claimTokenID: sessionID,
	}
	if switchedID != 0 {
		claims[claimSwitchedUser] = strconv.FormatUint(switchedID, 10)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.secret))
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	return TokenPair{
		AccessToken: signed,
		ExpiresIn:   int64(m.accessTTL.Seconds()),
		SessionID:   sessionID,
	}, nil
}

// Parse 校验访问令牌并返回其中的身份信息。
func (m *JWTManager) Parse(raw string) (Claims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrInvalidKeyType
		}
		return []byte(m.secret), nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return Claims{}, ErrTokenInvalid
	}

	userID, err := uintClaim(claims["sub"])
	if err != nil {
		return Claims{}, err
	}
	if userID == 0 {
		return Claims{}, ErrSubjectMissing
	}
	out := Claims{UserID: userID}
	out.Username, _ = claims["username"].(string)
	out.SessionID, _ = claims[claimTokenID].(string)
	if raw, ok := claims[claimRoles].([]any); ok {
		for _, role := range raw {
			if s, ok := role.(string); ok && s != "" {
				out.Roles = append(out.Roles, s)
			}
		}
	}
	if v, ok := claims[claimSwitchedUser]; ok {
		if out.SwitchedUser, err = uintClaim(v); err != nil {
			return Claims{}, fmt.Errorf("switched user: %w", err)
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// uintClaim 兼容字符串与数字两种编码方式。
func uintClaim(v any) (uint64, error) {
	var raw string
	switch val := v.(type) {
	case string:
		raw = val
	case float64:
		if val < 0 {
			return 0, errors.New("negative id claim")
		}
		raw = fmt.Sprintf("%.0f", val)
	case json.Number:
		raw = val.String()
	case nil:
		return 0, ErrSubjectMissing
	default:
		return 0, fmt.Errorf("unexpected claim type %T", v)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse id claim: %w", err)
	}
	return id, nil
}
