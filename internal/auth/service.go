package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/pkg/logger"
)

// HeaderAPIKey 是 Authorization 之外可接受的密钥请求头。
const HeaderAPIKey = "X-API-Key"

type keyEntry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 负责 HTTP 端点的身份验证和授权。
type Service struct {
	mode  Mode
	keys  []keyEntry
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。密钥只保存摘要。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeAPIKey:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported auth mode: %s", cfg.Mode))
	}

	for _, kc := range cfg.Keys {
		key := strings.TrimSpace(kc.Key)
		if key == "" && kc.KeyEnv != "" {
			key = strings.TrimSpace(os.Getenv(kc.KeyEnv))
		}
		if key == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("api key %q has no value", kc.Name))
		}
		for _, perm := range kc.Permissions {
			if !knownPermission(perm) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("api key %q grants unknown permission %q", kc.Name, perm))
			}
		}
		svc.keys = append(svc.keys, keyEntry{
			digest: sha256.Sum256([]byte(key)),
			subject: Subject{
				Name:        kc.Name,
				Permissions: append([]string(nil), kc.Permissions...),
				Disabled:    kc.Disabled,
			},
		})
	}
	if len(svc.keys) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "api_key mode requires at least one key")
	}
	return svc, nil
}

// Enabled 判断是否需要认证。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// Authenticate 校验密钥并返回主体副本。
func (s *Service) Authenticate(key string) (*Subject, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(key))
	var matched *keyEntry
	for i := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], s.keys[i].digest[:]) == 1 {
			matched = &s.keys[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	subject := &Subject{
		Name:        matched.subject.Name,
		Permissions: append([]string(nil), matched.subject.Permissions...),
		Disabled:    matched.subject.Disabled,
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	subject.normalise()
	return subject, nil
}

// keyFromHeaders 优先读取 Bearer 令牌，其次读取 X-API-Key。
func keyFromHeaders(authorization, apiKey string) string {
	authorization = strings.TrimSpace(authorization)
	if len(authorization) > 7 && strings.EqualFold(authorization[:7], "bearer ") {
		return strings.TrimSpace(authorization[7:])
	}
	return strings.TrimSpace(apiKey)
}

func knownPermission(perm string) bool {
	switch strings.ToLower(strings.TrimSpace(perm)) {
	case PermissionChat, PermissionWorkflows, PermissionTasks, PermissionAll:
		return true
	default:
		return false
	}
}
