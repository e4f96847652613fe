package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wallets-quickstart/internal/agent"
	"wallets-quickstart/internal/auth"
	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/observability/metrics"
	"wallets-quickstart/internal/task"
	"wallets-quickstart/internal/workflow"
	"wallets-quickstart/pkg/logger"
)

// HeaderEnableThinking 以请求头的方式开启思考输出。
const HeaderEnableThinking = "X-Enable-Thinking"

const maxBodyBytes = 1 << 20

// ChatService 是对话接口依赖的最小能力。
type ChatService interface {
	Chat(ctx context.Context, req agent.ChatRequest) (*agent.ChatResult, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr         string
	chat         ChatService
	workflows    *workflow.Service
	tasks        *task.Service
	auth         *auth.Service
	readTimeout  time.Duration
	writeTimeout time.Duration
	reqTimeout   time.Duration
	log          *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithWorkflowService 开启工作流接口。
func WithWorkflowService(svc *workflow.Service) Option {
	return func(s *Server) {
		s.workflows = svc
	}
}

// WithTaskService 开启异步任务接口。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) {
		s.tasks = svc
	}
}

// WithAuth 为业务接口开启 API Key 认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithTimeouts 设置读写超时与单个请求的处理超时，非正数保持默认值。
func WithTimeouts(read, write, request time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if request > 0 {
			s.reqTimeout = request
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, chat ChatService, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		chat:         chat,
		readTimeout:  15 * time.Second,
		writeTimeout: 60 * time.Second,
		reqTimeout:   45 * time.Second,
		log:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observeRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.reqTimeout))

		r.With(s.require(auth.PermissionChat)).Post("/api/chat", s.handleChat)

		r.Route("/api/workflows", func(r chi.Router) {
			r.Use(s.require(auth.PermissionWorkflows))
			r.Post("/", s.handleSaveWorkflow)
			r.Get("/", s.handleListWorkflows)
			r.Get("/{id}", s.handleGetWorkflow)
		})

		r.Route("/api/v1/tasks", func(r chi.Router) {
			r.Use(s.require(auth.PermissionTasks))
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Get("/stats", s.handleTaskStats)
			r.Get("/{id}", s.handleTaskDetail)
		})
	})
	return r
}

func (s *Server) require(permission string) func(http.Handler) http.Handler {
	return s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{"*": {permission}},
		AuditEvent:          permission,
		Deny:                writeError,
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "对话服务未初始化"))
		return
	}
	var req agent.ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if headerEnabled(r.Header.Get(HeaderEnableThinking)) {
		req.EnableThinking = true
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "输入内容不能为空"))
		return
	}

	result, err := s.chat.Chat(r.Context(), req)
	if err != nil {
		s.log.Warn("对话执行失败",
			slog.Any("error", err),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("caller", auth.CallerName(r.Context())),
		)
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "工作流服务未初始化"))
		return
	}
	var req workflow.SaveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.workflows.Save(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "工作流服务未初始化"))
		return
	}
	record, err := s.workflows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, record)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "工作流服务未初始化"))
		return
	}
	items, err := s.workflows.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, items)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req task.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if headerEnabled(r.Header.Get(HeaderEnableThinking)) {
		req.EnableThinking = true
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	if _, ok := req.Metadata["caller"]; !ok {
		req.Metadata["caller"] = auth.CallerName(r.Context())
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, created)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	found, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, found)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*task.Task{}
	}
	writeData(w, http.StatusOK, items)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

// listOptionsFromQuery 解析任务列表的过滤参数。时间参数支持 RFC3339 与 Unix 秒。
func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须为正整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 必须为非负整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query["status"]; len(raw) > 0 {
		var statuses []task.Status
		for _, item := range raw {
			for _, part := range strings.Split(item, ",") {
				status := task.Status(strings.ToLower(strings.TrimSpace(part)))
				if status == "" {
					continue
				}
				if !task.IsValidStatus(status) {
					return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+string(status))
				}
				statuses = append(statuses, status)
			}
		}
		if len(statuses) > 0 {
			opts = append(opts, task.WithStatuses(statuses...))
		}
	}
	if raw := query["workflow"]; len(raw) > 0 {
		var ids []string
		for _, item := range raw {
			for _, part := range strings.Split(item, ",") {
				if id := strings.TrimSpace(part); id != "" {
					ids = append(ids, id)
				}
			}
		}
		if len(ids) > 0 {
			opts = append(opts, task.WithWorkflows(ids...))
		}
	}
	if raw := query.Get("since"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_result 必须为布尔值")
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	if raw := strings.TrimSpace(query.Get("q")); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	switch strings.ToLower(strings.TrimSpace(query.Get("order"))) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 仅支持 asc 或 desc")
	}
	return opts, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "时间格式无效")
	}
	return ts, nil
}

func headerEnabled(value string) bool {
	enabled, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && enabled
}

func decodeBody(r *http.Request, target any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "请求体不能为空")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// observeRequests 以路由模板为维度记录请求指标。
func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
