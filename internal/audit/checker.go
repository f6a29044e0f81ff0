package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Phase is the lifecycle state of a background integrity check.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
	PhaseDone    Phase = "done"
	PhaseError   Phase = "error"
)

// CheckStatus is a snapshot of a tenant's integrity check.
type CheckStatus struct {
	TenantID   string        `json:"tenantId"`
	Phase      Phase         `json:"phase"`
	Checked    int64         `json:"checked"`
	Total      int64         `json:"total"`
	Resumed    bool          `json:"resumed"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	Result     *VerifyResult `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type checkJob struct {
	status CheckStatus
	done   chan struct{}
}

// Checker runs at most one verification per tenant in the background.
type Checker struct {
	verifier        *Verifier
	logger          *zap.Logger
	saveCheckpoints bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*checkJob
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCheckpoints controls whether runs persist the position they reached.
func WithCheckpoints(save bool) CheckerOption {
	return func(c *Checker) { c.saveCheckpoints = save }
}

// WithCheckerLogger sets the checker's logger.
func WithCheckerLogger(l *zap.Logger) CheckerOption {
	return func(c *Checker) { c.logger = l }
}

// NewChecker creates a Checker. Jobs are cancelled when ctx is done or
// Close is called.
func NewChecker(ctx context.Context, v *Verifier, opts ...CheckerOption) *Checker {
	c := &Checker{
		verifier:        v,
		logger:          zap.NewNop(),
		saveCheckpoints: true,
		jobs:            make(map[string]*checkJob),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c
}

// Start launches a verification for the tenant. If one is already running
// its status is returned and nothing new is started. With resume the run
// continues from the tenant's saved checkpoint.
func (c *Checker) Start(tenantID string, resume bool) (CheckStatus, error) {
	if tenantID == "" {
		return CheckStatus{}, ErrMissingTenant
	}
	if c.ctx.Err() != nil {
		return CheckStatus{}, errors.New("audit: integrity checker is closed")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if j, ok := c.jobs[tenantID]; ok && j.status.Phase == PhaseRunning {
		return j.status, nil
	}

	now := time.Now().UTC()
	j := &checkJob{
		status: CheckStatus{TenantID: tenantID, Phase: PhaseRunning, Resumed: resume, StartedAt: &now},
		done:   make(chan struct{}),
	}
	c.jobs[tenantID] = j

	c.wg.Add(1)
	go c.run(j, tenantID, resume)

	return j.status, nil
}

func (c *Checker) run(j *checkJob, tenantID string, resume bool) {
	defer c.wg.Done()
	defer close(j.done)

	res, err := c.verify(tenantID, resume, j)

	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	j.status.FinishedAt = &now
	if err != nil {
		j.status.Phase = PhaseError
		j.status.Error = err.Error()
		c.logger.Error("integrity check failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	j.status.Phase = PhaseDone
	j.status.Checked = res.Checked
	j.status.Result = &res
}

func (c *Checker) verify(tenantID string, resume bool, j *checkJob) (VerifyResult, error) {
	return c.verifier.Run(c.ctx, tenantID, RunOptions{
		Resume: resume,
		Save:   c.saveCheckpoints,
		Progress: func(checked, total int64) {
			c.mu.Lock()
			j.status.Checked = checked
			j.status.Total = total
			c.mu.Unlock()
		},
	})
}

// Status returns the tenant's latest check, or an idle status if none ran.
func (c *Checker) Status(tenantID string) CheckStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if j, ok := c.jobs[tenantID]; ok {
		return j.status
	}
	return CheckStatus{TenantID: tenantID, Phase: PhaseIdle}
}

// Wait blocks until the tenant's current check finishes or ctx is done.
func (c *Checker) Wait(ctx context.Context, tenantID string) (CheckStatus, error) {
	c.mu.Lock()
	j, ok := c.jobs[tenantID]
	c.mu.Unlock()
	if !ok {
		return CheckStatus{TenantID: tenantID, Phase: PhaseIdle}, nil
	}

	select {
	case <-j.done:
		return c.Status(tenantID), nil
	case <-ctx.Done():
		return c.Status(tenantID), ctx.Err()
	}
}

// Close cancels running checks and waits for them to stop.
func (c *Checker) Close() {
	c.cancel()
	c.wg.Wait()
}
