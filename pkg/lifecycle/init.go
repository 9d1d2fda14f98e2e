package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Phase orders initialization. Phases run in declaration order; the
// boot sequence depends on it (config before services, database before
// security, verification last).
type Phase int

const (
	PhaseInfrastructure Phase = iota
	PhaseDatabase
	PhaseServices
	PhaseSecurity
	PhaseVerification
)

func (p Phase) String() string {
	switch p {
	case PhaseInfrastructure:
		return "INFRASTRUCTURE"
	case PhaseDatabase:
		return "DATABASE"
	case PhaseServices:
		return "SERVICES"
	case PhaseSecurity:
		return "SECURITY"
	case PhaseVerification:
		return "VERIFICATION"
	}
	return fmt.Sprintf("PHASE_%d", int(p))
}

var allPhases = []Phase{
	PhaseInfrastructure, PhaseDatabase, PhaseServices, PhaseSecurity, PhaseVerification,
}

// verifierBudget bounds every step verifier.
const verifierBudget = 10 * time.Second

// Step is one declarative initialization step. Verify is optional; when
// present it runs after Run under a fixed budget and must return true.
type Step struct {
	Phase    Phase
	Name     string
	Run      func(ctx context.Context) error
	Verify   func(ctx context.Context) (bool, error)
	Timeout  time.Duration
	Critical bool
}

// StatusReport is the externally visible initialization state.
type StatusReport struct {
	Complete       bool              `json:"complete"`
	StartTime      time.Time         `json:"start_time"`
	DurationS      float64           `json:"duration_s"`
	CompletedSteps []string          `json:"completed_steps"`
	PhaseStatus    map[string]string `json:"phase_status"`
	Error          string            `json:"error,omitempty"`
	TotalSteps     int               `json:"total_steps"`
}

// InitService executes registered steps phase by phase. Within a phase
// steps run sequentially in registration order. A critical step's
// failure aborts initialization; a non-critical failure is logged and
// the phase continues.
type InitService struct {
	mu    sync.Mutex
	steps map[Phase][]Step

	complete  bool
	started   time.Time
	duration  time.Duration
	completed []string
	phases    map[string]string
	failure   error
}

// NewInitService creates an empty initialization service.
func NewInitService() *InitService {
	return &InitService{
		steps:  make(map[Phase][]Step),
		phases: make(map[string]string),
	}
}

// RegisterStep adds a step to its phase, preserving registration order.
func (s *InitService) RegisterStep(step Step) {
	if step.Timeout <= 0 {
		step.Timeout = 30 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step.Phase] = append(s.steps[step.Phase], step)
}

// Initialize runs every phase in order. It returns the first critical
// failure, or nil when the system is fully initialized.
func (s *InitService) Initialize(ctx context.Context) error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	for _, phase := range allPhases {
		s.mu.Lock()
		steps := append([]Step(nil), s.steps[phase]...)
		s.mu.Unlock()
		if len(steps) == 0 {
			continue
		}

		s.setPhaseStatus(phase, "running")
		slog.Info("Initialization phase starting", "phase", phase.String(), "steps", len(steps))

		for _, step := range steps {
			if err := s.runStep(ctx, step); err != nil {
				if step.Critical {
					s.recordFailure(phase, step, err)
					return fmt.Errorf("initialization aborted at %s/%s: %w", phase, step.Name, err)
				}
				slog.Warn("Non-critical initialization step failed, continuing",
					"phase", phase.String(), "step", step.Name, "error", err)
				continue
			}
			s.recordCompleted(phase, step)
		}
		s.setPhaseStatus(phase, "complete")
	}

	s.mu.Lock()
	s.complete = true
	s.duration = time.Since(s.started)
	s.mu.Unlock()

	slog.Info("Initialization complete", "duration", s.Status().DurationS)
	return nil
}

func (s *InitService) runStep(ctx context.Context, step Step) error {
	stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	slog.Info("Running initialization step",
		"phase", step.Phase.String(), "step", step.Name, "critical", step.Critical)

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errCh <- fmt.Errorf("step panicked: %v", rec)
			}
		}()
		errCh <- step.Run(stepCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-stepCtx.Done():
		return fmt.Errorf("step timed out after %s", step.Timeout)
	}

	if step.Verify == nil {
		return nil
	}
	verifyCtx, cancelVerify := context.WithTimeout(ctx, verifierBudget)
	defer cancelVerify()
	ok, err := step.Verify(verifyCtx)
	if err != nil {
		return fmt.Errorf("verifier failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("verifier reported unhealthy state")
	}
	return nil
}

func (s *InitService) setPhaseStatus(phase Phase, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases[phase.String()] = status
}

func (s *InitService) recordCompleted(phase Phase, step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, fmt.Sprintf("%s/%s", phase, step.Name))
}

func (s *InitService) recordFailure(phase Phase, step Step, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
	s.phases[phase.String()] = "failed"
	s.duration = time.Since(s.started)
	slog.Error("Critical initialization step failed",
		"critical", true, "phase", phase.String(), "step", step.Name, "error", err)
}

// Status returns a point-in-time report of initialization progress.
func (s *InitService) Status() StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, steps := range s.steps {
		total += len(steps)
	}
	duration := s.duration
	if duration == 0 && !s.started.IsZero() && !s.complete {
		duration = time.Since(s.started)
	}

	report := StatusReport{
		Complete:       s.complete,
		StartTime:      s.started,
		DurationS:      duration.Seconds(),
		CompletedSteps: append([]string(nil), s.completed...),
		PhaseStatus:    make(map[string]string, len(s.phases)),
		TotalSteps:     total,
	}
	for k, v := range s.phases {
		report.PhaseStatus[k] = v
	}
	if s.failure != nil {
		report.Error = s.failure.Error()
	}
	return report
}
