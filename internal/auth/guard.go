package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"evm-defi-agent/pkg/logger"
)

type entry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Guard 使用静态密钥校验 Bearer Token，未配置密钥时放行所有请求。
type Guard struct {
	entries []entry
	audit   *slog.Logger
}

// NewGuard 校验密钥配置并创建 Guard。
func NewGuard(keys []Key) (*Guard, error) {
	g := &Guard{audit: logger.Audit()}
	seen := make(map[[sha256.Size]byte]string, len(keys))
	for i, key := range keys {
		token := strings.TrimSpace(key.Token)
		if token == "" {
			return nil, fmt.Errorf("第 %d 个 API 密钥缺少 token", i+1)
		}
		name := strings.TrimSpace(key.Name)
		if name == "" {
			name = fmt.Sprintf("key-%d", i+1)
		}
		digest := sha256.Sum256([]byte(token))
		if other, ok := seen[digest]; ok {
			return nil, fmt.Errorf("API 密钥 %s 与 %s 的 token 重复", name, other)
		}
		seen[digest] = name
		perms := key.Permissions
		if len(perms) == 0 {
			perms = []string{PermissionAll}
		}
		g.entries = append(g.entries, entry{digest: digest, subject: newSubject(name, perms)})
	}
	return g, nil
}

// Enabled 表示是否配置了任何密钥。
func (g *Guard) Enabled() bool {
	return g != nil && len(g.entries) > 0
}

// AuthenticateRequest 解析 Authorization 头并返回对应的调用方。
func (g *Guard) AuthenticateRequest(authorization string) (*Subject, error) {
	token, ok := bearerToken(authorization)
	if !ok {
		return nil, ErrMissingToken
	}
	return g.Authenticate(token)
}

// Authenticate 校验原始 token。
func (g *Guard) Authenticate(token string) (*Subject, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var matched *Subject
	for _, e := range g.entries {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			matched = e.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return matched, nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
