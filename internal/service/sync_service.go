// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gamehub-go/internal/config"
	"gamehub-go/internal/model"
	"gamehub-go/internal/repository"
	"gamehub-go/pkg/log"
	"math/rand"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// OperationSubmitter 接收需要写入持久层的操作。ConversationStore 只依赖这个接口。
type OperationSubmitter interface {
	Submit(ctx context.Context, kind model.OperationKind, payload interface{}) error
}

// OperationApplier 把一条操作写入持久层，必须是幂等的。
type OperationApplier interface {
	Apply(ctx context.Context, op model.PendingOperation) error
}

// PermanentError 表示操作本身无法写入（无法解码、类型未知、数据不合法），重试没有意义。
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent 把 err 标记为不可重试。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent 判断 err 是否不可重试。数据库拒绝数据本身的错误（超长、非空、外键等）也视为不可重试。
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1048, 1264, 1292, 1366, 1406, 1452:
			return true
		}
	}
	return false
}

// HealthProber 判断持久层是否可达。
type HealthProber interface {
	Ping(ctx context.Context) error
}

// SyncStatus 是离线队列的当前状态。
type SyncStatus struct {
	Online         bool       `json:"online"`
	Pending        int64      `json:"pending"`
	DeadLetters    int64      `json:"deadLetters"`
	LastDeadLetter string     `json:"lastDeadLetter,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	LastFlush      *time.Time `json:"lastFlush,omitempty"`
}

// SyncService 缓冲持久化操作，并在连接恢复后按入队顺序重放。
type SyncService interface {
	OperationSubmitter
	Enqueue(ctx context.Context, op model.PendingOperation) error
	Flush(ctx context.Context) (int, error)
	SetOnline(online bool)
	Online() bool
	Pending(ctx context.Context) (int64, error)
	// Backlog 按重放顺序返回尚未写入持久层的操作。
	Backlog(ctx context.Context) ([]model.PendingOperation, error)
	Status(ctx context.Context) SyncStatus
	Run(ctx context.Context)
}

// RetryPolicy 是带抖动的有界指数退避。
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// RetryPolicyFromConfig 从配置构建重试策略。
func RetryPolicyFromConfig(cfg config.SyncConfig) RetryPolicy {
	p := RetryPolicy{BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay, MaxAttempts: cfg.MaxAttempts}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	return p
}

// Backoff 返回第 attempt 次（从 0 开始）重试前的等待时间，取 [d/2, d] 之间的随机值。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.MaxDelay
	if attempt < 30 {
		if exp := p.BaseDelay * time.Duration(1<<uint(attempt)); exp > 0 && exp < p.MaxDelay {
			d = exp
		}
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

type syncService struct {
	queue   repository.OperationQueue
	applier OperationApplier
	prober  HealthProber
	policy  RetryPolicy
	probe   time.Duration

	// flushMu 保证同一时刻只有一个 flush 在消费队首。
	flushMu sync.Mutex

	mu        sync.Mutex
	online         bool
	overflow       []model.PendingOperation
	lastError      string
	lastDeadLetter string
	lastFlush      *time.Time

	kick  chan struct{}
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSyncService 创建离线同步服务。prober 可以为 nil，此时只依赖 flush 结果判断在线状态。
func NewSyncService(queue repository.OperationQueue, applier OperationApplier, prober HealthProber, cfg config.SyncConfig) SyncService {
	probe := cfg.ProbeInterval
	if probe <= 0 {
		probe = 5 * time.Second
	}
	return &syncService{
		queue:   queue,
		applier: applier,
		prober:  prober,
		policy:  RetryPolicyFromConfig(cfg),
		probe:   probe,
		online:  true,
		kick:    make(chan struct{}, 1),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Submit 把操作放入队列并唤醒后台 flush。写入顺序即调用顺序。
func (s *syncService) Submit(ctx context.Context, kind model.OperationKind, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	op := model.PendingOperation{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now(),
	}
	if err := s.Enqueue(ctx, op); err != nil {
		return err
	}
	s.signal()
	return nil
}

// Enqueue 入队。队列写入失败时暂存到进程内 overflow，之后的操作也排在 overflow 之后，保证 FIFO。
func (s *syncService) Enqueue(ctx context.Context, op model.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.overflow) == 0 {
		if err := s.queue.Push(ctx, op); err == nil {
			return nil
		} else {
			log.Warnf("[SyncService] 队列写入失败，暂存到内存: op=%s, error: %v", op.ID, err)
		}
	}
	s.overflow = append(s.overflow, op)
	return nil
}

func (s *syncService) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// drainOverflow 把内存中的暂存操作按顺序转移到队列。
func (s *syncService) drainOverflow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.overflow) > 0 {
		if err := s.queue.Push(ctx, s.overflow[0]); err != nil {
			return fmt.Errorf("failed to drain overflow: %w", err)
		}
		s.overflow = s.overflow[1:]
	}
	return nil
}

// Flush 按 FIFO 重放队列。队首操作在重试 MaxAttempts 次后仍失败则停止，操作保留在队首。
// 不可重试的操作转入死信列表，flush 继续处理后面的操作。
func (s *syncService) Flush(ctx context.Context) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if err := s.drainOverflow(ctx); err != nil {
		s.recordFailure(err)
		return 0, err
	}

	applied := 0
	for {
		op, err := s.queue.Peek(ctx)
		if errors.Is(err, repository.ErrCorruptOperation) {
			if err := s.deadLetter(ctx, nil, err); err != nil {
				s.recordFailure(err)
				return applied, err
			}
			continue
		}
		if err != nil {
			s.recordFailure(err)
			return applied, err
		}
		if op == nil {
			break
		}

		if err := s.applyWithRetry(ctx, op); err != nil {
			if IsPermanent(err) {
				if err := s.deadLetter(ctx, op, err); err != nil {
					s.recordFailure(err)
					return applied, err
				}
				continue
			}
			s.recordFailure(err)
			return applied, err
		}
		if err := s.queue.Pop(ctx); err != nil {
			s.recordFailure(err)
			return applied, err
		}
		applied++
	}

	now := time.Now()
	s.mu.Lock()
	s.online = true
	s.lastError = ""
	s.lastFlush = &now
	s.mu.Unlock()
	if applied > 0 {
		log.Infof("[SyncService] 已重放 %d 条持久化操作", applied)
	}
	return applied, nil
}

func (s *syncService) applyWithRetry(ctx context.Context, op *model.PendingOperation) error {
	var lastErr error
	for attempt := 0; attempt < s.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.policy.Backoff(attempt-1)); err != nil {
				return err
			}
		}
		lastErr = s.applier.Apply(ctx, *op)
		if lastErr == nil {
			return nil
		}
		op.Attempts++
		op.LastError = lastErr.Error()
		if IsPermanent(lastErr) {
			return lastErr
		}
		log.Warnf("[SyncService] 操作写入失败: op=%s kind=%s attempts=%d, error: %v", op.ID, op.Kind, op.Attempts, lastErr)
	}
	// 记录重试次数，失败不影响操作留在队首
	if err := s.queue.ReplaceHead(ctx, *op); err != nil {
		log.Warnf("[SyncService] 更新队首重试次数失败: %v", err)
	}
	return fmt.Errorf("operation %s (%s) failed after %d attempts: %w", op.ID, op.Kind, s.policy.MaxAttempts, lastErr)
}

// deadLetter 把队首移入死信列表。op 为 nil 表示队首无法解码。
func (s *syncService) deadLetter(ctx context.Context, op *model.PendingOperation, cause error) error {
	desc := "undecodable head"
	if op != nil {
		desc = fmt.Sprintf("%s (%s)", op.ID, op.Kind)
		if err := s.queue.ReplaceHead(ctx, *op); err != nil {
			log.Warnf("[SyncService] 记录死信错误信息失败: %v", err)
		}
	}
	if err := s.queue.DeadLetterHead(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter %s: %w", desc, err)
	}
	log.Errorf("[SyncService] 操作无法写入，已转入死信列表: op=%s, error: %v", desc, cause)

	s.mu.Lock()
	s.lastDeadLetter = fmt.Sprintf("%s: %v", desc, cause)
	s.mu.Unlock()
	return nil
}

func (s *syncService) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = false
	s.lastError = err.Error()
}

// SetOnline 显式设置连接状态，恢复在线时立即触发 flush。
func (s *syncService) SetOnline(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
	if online {
		s.signal()
	}
}

func (s *syncService) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Pending 返回尚未写入持久层的操作数。
func (s *syncService) Pending(ctx context.Context) (int64, error) {
	n, err := s.queue.Len(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return n + int64(len(s.overflow)), nil
}

// Backlog 返回队列与内存暂存中的所有操作，队列不可读时只返回内存暂存部分并报错。
func (s *syncService) Backlog(ctx context.Context) ([]model.PendingOperation, error) {
	ops, err := s.queue.List(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	ops = append(ops, s.overflow...)
	return ops, err
}

func (s *syncService) Status(ctx context.Context) SyncStatus {
	pending, err := s.queue.Len(ctx)
	dead, deadErr := s.queue.DeadLetters(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SyncStatus{
		Online:         s.online,
		Pending:        pending + int64(len(s.overflow)),
		DeadLetters:    dead,
		LastDeadLetter: s.lastDeadLetter,
		LastError:      s.lastError,
		LastFlush:      s.lastFlush,
	}
	if err != nil {
		st.Pending = int64(len(s.overflow))
		st.LastError = err.Error()
	} else if deadErr != nil {
		st.LastError = deadErr.Error()
	}
	return st
}

// Run 是后台循环：有新操作或定时探测时 flush，离线时按退避间隔探测持久层。
func (s *syncService) Run(ctx context.Context) {
	timer := time.NewTimer(s.probe)
	defer timer.Stop()
	failures := 0

	log.Info("[SyncService] 后台同步已启动")
	for {
		select {
		case <-ctx.Done():
			log.Info("[SyncService] 后台同步已停止")
			return
		case <-s.kick:
		case <-timer.C:
		}

		if !s.Online() && s.prober != nil {
			if err := s.prober.Ping(ctx); err != nil {
				failures++
				resetTimer(timer, s.policy.Backoff(failures))
				continue
			}
		}

		if _, err := s.Flush(ctx); err != nil {
			failures++
			resetTimer(timer, s.policy.Backoff(failures))
			continue
		}
		failures = 0
		resetTimer(timer, s.probe)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// persistenceApplier 把队列中的操作映射到 ConversationRepository 与 CreditRepository。
type persistenceApplier struct {
	repo    repository.ConversationRepository
	credits repository.CreditRepository
}

// NewPersistenceApplier 创建写入 MySQL 的 OperationApplier。credits 为 nil 时额度操作无法写入。
func NewPersistenceApplier(repo repository.ConversationRepository, credits repository.CreditRepository) OperationApplier {
	return &persistenceApplier{repo: repo, credits: credits}
}

func (a *persistenceApplier) Apply(ctx context.Context, op model.PendingOperation) error {
	switch op.Kind {
	case model.OpSaveConversation:
		var conv model.Conversation
		if err := json.Unmarshal(op.Payload, &conv); err != nil {
			return Permanent(fmt.Errorf("decode %s: %w", op.Kind, err))
		}
		return a.repo.SaveConversation(ctx, &conv)
	case model.OpSaveMessage:
		var msg model.Message
		if err := json.Unmarshal(op.Payload, &msg); err != nil {
			return Permanent(fmt.Errorf("decode %s: %w", op.Kind, err))
		}
		return a.repo.SaveMessage(ctx, &msg)
	case model.OpMoveMessages:
		var p model.MoveMessagesPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return Permanent(fmt.Errorf("decode %s: %w", op.Kind, err))
		}
		return a.repo.MoveMessages(ctx, p)
	case model.OpSaveSubTab:
		var st model.SubTab
		if err := json.Unmarshal(op.Payload, &st); err != nil {
			return Permanent(fmt.Errorf("decode %s: %w", op.Kind, err))
		}
		return a.repo.SaveSubTab(ctx, &st)
	case model.OpAdjustCredits:
		var p model.CreditAdjustmentPayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return Permanent(fmt.Errorf("decode %s: %w", op.Kind, err))
		}
		if a.credits == nil {
			return Permanent(fmt.Errorf("no credit repository for %s", op.Kind))
		}
		return a.credits.Adjust(ctx, p.UserID, p.Delta)
	default:
		return Permanent(fmt.Errorf("unknown operation kind %q", op.Kind))
	}
}
