package service

import (
	"context"
	"errors"
	"sync"

	"github.com/dannbbb1/lodestar/libs/log"
)

// Lifecycle errors returned by BaseService.
var (
	ErrAlreadyStarted = errors.New("already started")
	ErrAlreadyStopped = errors.New("already stopped")
	ErrNotStarted     = errors.New("not started")
)

// Service is a component with a one-shot lifecycle. Start runs it until the
// context ends or Stop is called; a stopped service cannot be restarted.
type Service interface {
	Start(context.Context) error
	Stop() error
	IsRunning() bool
	String() string
	Wait()
}

// Implementation is the hook pair a BaseService drives. OnStart must not
// block; long-running work belongs in goroutines bound to its context.
type Implementation interface {
	OnStart(context.Context) error
	OnStop()
}

// BaseService implements the bookkeeping shared by every service: it calls
// OnStart at most once, calls OnStop when either Stop is invoked or the start
// context is canceled, and releases Wait once stopped.
//
// Typical usage:
//
//	type Reactor struct {
//		service.BaseService
//		// private fields
//	}
//
//	func NewReactor(logger log.Logger) *Reactor {
//		r := &Reactor{}
//		r.BaseService = *service.NewBaseService(logger, "Reactor", r)
//		return r
//	}
type BaseService struct {
	logger log.Logger
	name   string

	mtx     sync.Mutex
	started bool
	stopped bool
	quit    chan struct{}
	cancel  context.CancelFunc

	impl Implementation
}

// NewBaseService wraps impl. A nil logger discards output.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &BaseService{
		logger: logger,
		name:   name,
		quit:   make(chan struct{}),
		impl:   impl,
	}
}

// Start starts the Service and calls its OnStart method. An error will be
// returned if the service is already running or stopped.
func (bs *BaseService) Start(ctx context.Context) error {
	bs.mtx.Lock()
	if bs.stopped {
		bs.mtx.Unlock()
		bs.logger.Error("not starting service; already stopped", "service", bs.name)
		return ErrAlreadyStopped
	}
	if bs.started {
		bs.mtx.Unlock()
		return ErrAlreadyStarted
	}
	bs.started = true
	bs.mtx.Unlock()

	bs.logger.Info("starting service", "service", bs.name)

	ctx, cancel := context.WithCancel(ctx)
	if err := bs.impl.OnStart(ctx); err != nil {
		cancel()
		bs.mtx.Lock()
		bs.started = false
		bs.mtx.Unlock()
		return err
	}

	bs.mtx.Lock()
	bs.cancel = cancel
	bs.mtx.Unlock()

	go func() {
		select {
		case <-bs.quit:
		case <-ctx.Done():
			if err := bs.Stop(); err != nil && !errors.Is(err, ErrAlreadyStopped) {
				bs.logger.Error("stopped service", "err", err.Error(), "service", bs.name)
			}
		}
	}()

	return nil
}

// Stop calls OnStop, cancels the start context and closes the quit channel.
// An error will be returned if the service is already stopped.
func (bs *BaseService) Stop() error {
	bs.mtx.Lock()
	if !bs.started {
		bs.mtx.Unlock()
		return ErrNotStarted
	}
	if bs.stopped {
		bs.mtx.Unlock()
		return ErrAlreadyStopped
	}
	bs.stopped = true
	cancel := bs.cancel
	bs.mtx.Unlock()

	bs.logger.Info("stopping service", "service", bs.name)
	bs.impl.OnStop()
	if cancel != nil {
		cancel()
	}
	close(bs.quit)

	return nil
}

func (bs *BaseService) IsRunning() bool {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	return bs.started && !bs.stopped
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.quit }

func (bs *BaseService) String() string { return bs.name }
