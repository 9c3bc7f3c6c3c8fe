package host

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const maintenanceTick = 5 * time.Second

// ExitFailure is the process exit code for supervised termination.
const ExitFailure = 255

// Terminator is what the supervisor shuts down: the comms layer owns the
// guest process and the channel server.
type Terminator interface {
	ShouldTerminate() bool
	Terminate()
}

// Supervisor polls the fatal flags and drives ordered shutdown.
type Supervisor struct {
	comms     Terminator
	publisher interface{ ShouldTerminate() bool }
	logger    *zap.Logger

	tick     time.Duration
	graceful chan struct{}
}

// NewSupervisor wires the maintenance loop.
func NewSupervisor(comms Terminator, publisher interface{ ShouldTerminate() bool }, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		comms:     comms,
		publisher: publisher,
		logger:    logger,
		tick:      maintenanceTick,
		graceful:  make(chan struct{}, 1),
	}
}

// RequestGracefulShutdown asks the supervisor to exit cleanly on its next
// opportunity.
func (s *Supervisor) RequestGracefulShutdown() {
	select {
	case s.graceful <- struct{}{}:
	default:
	}
}

// Run blocks until a fatal flag flips or a graceful shutdown is requested,
// then terminates the guest exactly once and returns the process exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.graceful:
			s.logger.Info("Graceful shutdown requested")
			s.comms.Terminate()
			return 0
		case <-ctx.Done():
			s.comms.Terminate()
			return 0
		case <-ticker.C:
			if s.comms.ShouldTerminate() {
				s.logger.Error("Guest channel flagged termination, shutting down")
				s.comms.Terminate()
				return ExitFailure
			}
			if s.publisher.ShouldTerminate() {
				s.logger.Error("Metrics publisher flagged termination, shutting down")
				s.comms.Terminate()
				return ExitFailure
			}
		}
	}
}
