package workflow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/pkg/logger"
)

// SaveRequest 是保存接口的入参，ID 与名称均可为空。
type SaveRequest struct {
	ID    string           `json:"id"`
	Name  string           `json:"name"`
	Nodes []map[string]any `json:"nodes"`
	Edges []map[string]any `json:"edges"`
	Meta  map[string]any   `json:"meta,omitempty"`
}

// Validator 在保存前检查定义能否被执行。
type Validator func(id string, def Definition) error

// Service 封装工作流的保存、查询与列表逻辑。
type Service struct {
	store     Store
	validator Validator
	logger    *slog.Logger
	newID     func() string
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithValidator 设置保存前的定义校验。
func WithValidator(v Validator) ServiceOption {
	return func(s *Service) {
		s.validator = v
	}
}

// NewService 创建工作流服务。
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		logger: logger.Named("workflow"),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Save 保存完整定义并返回工作流 ID。ID 为空时生成新 ID，名称为空时使用占位名称。
func (s *Service) Save(ctx context.Context, req SaveRequest) (string, error) {
	if s == nil || s.store == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "工作流存储未初始化")
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = s.newID()
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = DefaultName
	}
	def := normalize(Definition{Nodes: req.Nodes, Edges: req.Edges, Meta: req.Meta})

	if s.validator != nil && len(def.Nodes) > 0 {
		if err := s.validator(id, def); err != nil {
			return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "工作流定义无效")
		}
	}

	if err := s.store.Upsert(ctx, id, name, def); err != nil {
		return "", err
	}
	s.logger.Info("工作流已保存", slog.String("id", id), slog.Int("nodes", len(def.Nodes)), slog.Int("edges", len(def.Edges)))
	return id, nil
}

// Get 按 ID 查询工作流。
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	if s == nil || s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工作流存储未初始化")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}
	return s.store.Get(ctx, id)
}

// List 返回最近更新的至多 PageSize 条摘要。
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	if s == nil || s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工作流存储未初始化")
	}
	items, err := s.store.List(ctx, PageSize)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []Summary{}
	}
	return items, nil
}
