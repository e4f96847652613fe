package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	xerrors "wallets-quickstart/internal/errors"
)

// 认证失败时返回给调用方的错误码。
const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{Message: "missing or invalid api key", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{Message: "permission denied", Severity: xerrors.SeverityWarning})
}

// MiddlewareConfig 描述一组路由的访问要求。
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法给出所需权限，"*" 为兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 是审计日志中的事件名，为空时使用请求路径。
	AuditEvent string
	// Deny 输出拒绝响应，为空时写出纯文本状态。
	Deny func(w http.ResponseWriter, err error)
}

// Middleware 校验 API Key 与权限，并把调用方写入请求上下文。
// 未知或缺失的密钥返回 401，停用的密钥与权限不足返回 403。
// 认证关闭时直接放行。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	deny := cfg.Deny
	if deny == nil {
		deny = func(w http.ResponseWriter, err error) {
			status := StatusFor(err)
			http.Error(w, http.StatusText(status), status)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.Authenticate(keyFromHeaders(r.Header.Get("Authorization"), r.Header.Get(HeaderAPIKey)))
			if err == nil {
				err = subject.Authorize(permissionsFor(cfg.RequiredPermissions, r.Method)...)
			}
			if err != nil {
				denied := denialError(err)
				deny(w, denied)
				attrs := []any{
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", StatusFor(denied)),
					slog.String("error", err.Error()),
				}
				if subject != nil {
					attrs = append(attrs, slog.String("key", subject.Name))
				}
				s.audit.Warn("access_denied", attrs...)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				slog.String("event", event),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("key", subject.Name),
			)
		})
	}
}

func permissionsFor(required map[string][]string, method string) []string {
	if perms := required[method]; len(perms) > 0 {
		return perms
	}
	return required["*"]
}

// denialError 把认证错误转换为带错误码的错误，原始错误保留为 cause。
func denialError(err error) error {
	switch {
	case errors.Is(err, ErrSubjectRevoked), errors.Is(err, ErrPermissionDenied):
		return xerrors.Wrap(CodePermissionDenied, err, "无权访问该接口", xerrors.WithRetryable(false))
	default:
		return xerrors.Wrap(CodeUnauthenticated, err, "缺少或无效的 API Key", xerrors.WithRetryable(false))
	}
}

// StatusFor 返回认证错误对应的 HTTP 状态码，非认证错误返回 0。
func StatusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	default:
		return 0
	}
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
