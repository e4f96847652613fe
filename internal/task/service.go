package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"wallets-quickstart/internal/agent"
	xerrors "wallets-quickstart/internal/errors"
	"wallets-quickstart/internal/toolpolicy"
	"wallets-quickstart/pkg/logger"
)

const (
	defaultMaxRetries    = 3
	defaultMaxInputRunes = 4000
	defaultPollInterval  = 500 * time.Millisecond
)

// SubmitRequest 与同步对话接口的请求体一致，额外的 ID 用于幂等提交。
type SubmitRequest struct {
	ID             string         `json:"id,omitempty"`
	Input          string         `json:"input"`
	Options        map[string]any `json:"options,omitempty"`
	EnableThinking bool           `json:"headerEnableThinking,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Service 接收异步对话任务并提供查询。
type Service struct {
	store         Store
	producer      Producer
	maxRetries    int
	maxInputRunes int
	newID         func() string
	log           *slog.Logger
}

// ServiceOption 调整 Service 的默认行为。
type ServiceOption func(*Service)

// WithMaxInputRunes 限制单个任务的输入长度，非正数使用默认值。
func WithMaxInputRunes(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxInputRunes = n
		}
	}
}

// WithIDGenerator 替换未指定 ID 时的任务 ID 生成方式。
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService 构造任务服务，maxRetries 为每个任务的最大执行次数。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	s := &Service{
		store:         store,
		producer:      producer,
		maxRetries:    maxRetries,
		maxInputRunes: defaultMaxInputRunes,
		newID:         uuid.NewString,
		log:           logger.Named("task.service"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 校验请求、落库并投递到队列。
//
// 同一 ID 的重复提交直接返回已有任务，不会重复入队。
// 投递失败时任务被标记为终止失败，调用方需要换新 ID 重新提交。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	input, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID == "" {
		taskID = s.newID()
	} else if existing, err := s.existing(ctx, taskID); existing != nil || err != nil {
		return existing, err
	}

	task := &Task{
		ID:             taskID,
		Input:          input,
		Options:        cloneMap(req.Options),
		EnableThinking: req.EnableThinking,
		Metadata:       cloneMap(req.Metadata),
		Status:         StatusPending,
		MaxRetries:     s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			if existing, getErr := s.store.Get(ctx, taskID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		s.log.Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败", xerrors.WithMetadata("task_id", taskID))
		_ = s.store.MarkFailed(ctx, taskID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("task_submitted",
		slog.String("task_id", taskID),
		slog.String("rag_mode", ragModeOf(task.Options)),
		slog.Int("max_retries", task.MaxRetries),
		slog.Bool("enable_thinking", task.EnableThinking),
	)
	return task, nil
}

// validate 在入队前拒绝执行时必然失败的请求，异步任务没有机会再返回 400。
func (s *Service) validate(req SubmitRequest) (string, error) {
	input := strings.TrimSpace(req.Input)
	if input == "" {
		return "", xerrors.New(CodeTaskValidation, "输入内容不能为空")
	}
	if n := utf8.RuneCountInString(input); n > s.maxInputRunes {
		return "", xerrors.New(CodeTaskValidation,
			fmt.Sprintf("输入内容过长: %d 字符，上限 %d", n, s.maxInputRunes),
			xerrors.WithMetadata("limit", fmt.Sprint(s.maxInputRunes)))
	}
	if raw, ok := req.Options[agent.OptionRagMode]; ok {
		if _, valid := toolpolicy.ParseRagMode(fmt.Sprint(raw)); !valid {
			return "", xerrors.New(CodeTaskValidation, fmt.Sprintf("未知的 ragMode: %v", raw))
		}
	}
	return input, nil
}

func (s *Service) existing(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		return task, nil
	case stdErrors.Is(err, ErrTaskNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

func ragModeOf(options map[string]any) string {
	if raw, ok := options[agent.OptionRagMode]; ok {
		return fmt.Sprint(raw)
	}
	return ""
}

func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务 ID 不能为空")
	}
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts))
}

func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts))
}

// Close 释放存储与生产者。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询直到任务成功、终止失败或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Finished() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
