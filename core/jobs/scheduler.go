// Package jobs 周期性地在每个房间上运行后台任务：空闲清理、凭证刷新、队列对账、媒体轮询。
//
// 每一轮对房间表中的全部房间执行一次；单个房间失败只记录日志，不影响同一批次的其他房间，
// 也不在本轮重试，下一次触发就是重试。
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roomcast/cache"
	"roomcast/logger"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Job 在单个房间上执行的任务
type Job interface {
	Name() string
	Run(ctx context.Context, roomID string) error
}

type entry struct {
	job      Job
	interval time.Duration
}

// Scheduler 按固定间隔驱动任务
type Scheduler struct {
	store       *cache.Store
	concurrency int
	entries     []entry

	mu       sync.Mutex
	inflight map[string]bool // job|room

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler 创建调度器，concurrency 是同一批次内并发处理的房间数
func NewScheduler(store *cache.Store, concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		store:       store,
		concurrency: concurrency,
		inflight:    make(map[string]bool),
		stopChan:    make(chan struct{}),
	}
}

// Add 注册任务，interval<=0 的任务不会被定时触发
func (s *Scheduler) Add(job Job, interval time.Duration) {
	s.entries = append(s.entries, entry{job: job, interval: interval})
}

// Jobs 已注册的任务
func (s *Scheduler) Jobs() []Job {
	jobs := make([]Job, 0, len(s.entries))
	for _, e := range s.entries {
		jobs = append(jobs, e.job)
	}
	return jobs
}

// Start 启动全部任务的定时循环
func (s *Scheduler) Start() {
	for _, e := range s.entries {
		if e.interval <= 0 {
			continue
		}
		logger.Info("job scheduled", logger.Job(e.job.Name()), logger.Duration("interval", e.interval))
		s.wg.Add(1)
		go s.loop(e)
	}
}

// Stop 停止定时循环并等待正在执行的批次结束
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	logger.Info("job scheduler stopped")
}

func (s *Scheduler) loop(e entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if err := s.RunOnce(context.Background(), e.job); err != nil {
				logger.Debug("job batch finished with errors", logger.Job(e.job.Name()), logger.ErrorField(err))
			}
		}
	}
}

// RunOnce 对房间表中的每个房间执行一次任务，返回各房间错误的合并结果
func (s *Scheduler) RunOnce(ctx context.Context, job Job) error {
	roomIDs := s.store.ListRoomIDs(ctx)
	if len(roomIDs) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	g.SetLimit(s.concurrency)
	for _, roomID := range roomIDs {
		roomID := roomID
		if !s.acquire(job.Name(), roomID) {
			logger.Debug("job still running for room, skipping tick", logger.Job(job.Name()), logger.Room(roomID))
			continue
		}
		g.Go(func() error {
			defer s.release(job.Name(), roomID)
			if err := runRoom(ctx, job, roomID); err != nil {
				logger.Warn("job failed for room", logger.Job(job.Name()), logger.Room(roomID), logger.ErrorField(err))
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("room %s: %w", roomID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// runRoom 单个房间的失败边界
func runRoom(ctx context.Context, job Job, roomID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", logger.Job(job.Name()), logger.Room(roomID), logger.Any("panic", r), logger.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx, roomID)
}

func (s *Scheduler) acquire(job, roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := job + "|" + roomID
	if s.inflight[key] {
		return false
	}
	s.inflight[key] = true
	return true
}

func (s *Scheduler) release(job, roomID string) {
	s.mu.Lock()
	delete(s.inflight, job+"|"+roomID)
	s.mu.Unlock()
}
