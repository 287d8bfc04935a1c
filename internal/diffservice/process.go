package diffservice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
	"golang.org/x/sync/singleflight"

	"gihan9a/hotupdate/internal/diffgen"
)

const (
	DefaultPort           = 8095
	DefaultStartupTimeout = 30 * time.Second
	DefaultStopTimeout    = 5 * time.Second

	// PortPlaceholder in a command argument is replaced by the service port
	PortPlaceholder = "{port}"
)

var errExited = errors.New("diff service process exited")

// ProcessOptions configures a managed diff service
type ProcessOptions struct {
	Command        []string
	Env            []string
	Port           int
	StartupTimeout time.Duration
	StopTimeout    time.Duration
	RequestTimeout time.Duration
	Logger         *zap.SugaredLogger
}

// Process owns a diff service child process. It implements diffgen.Engine and starts
// the service on first use.
type Process struct {
	opts   ProcessOptions
	client *Client
	logger *zap.SugaredLogger
	starts singleflight.Group

	mu     sync.Mutex
	cmd    *exec.Cmd
	exited chan struct{}
}

func NewProcess(opts ProcessOptions) *Process {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Process{
		opts:   opts,
		client: NewClient(fmt.Sprintf("http://127.0.0.1:%d", opts.Port), opts.RequestTimeout),
		logger: opts.Logger,
	}
}

// Client returns the client bound to the managed port
func (p *Process) Client() *Client {
	return p.client
}

func (p *Process) running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}

// Start launches the service unless it is already running and waits until it is
// healthy. Concurrent callers share a single launch.
func (p *Process) Start(ctx context.Context) error {
	_, err, _ := p.starts.Do("start", func() (interface{}, error) {
		if p.running() {
			return nil, nil
		}
		return nil, p.start(ctx)
	})
	return err
}

func (p *Process) start(ctx context.Context) error {
	if len(p.opts.Command) == 0 {
		return fmt.Errorf("diff service command is empty")
	}
	port := strconv.Itoa(p.opts.Port)
	args := make([]string, 0, len(p.opts.Command)-1)
	for _, a := range p.opts.Command[1:] {
		args = append(args, strings.ReplaceAll(a, PortPlaceholder, port))
	}

	cmd := exec.Command(p.opts.Command[0], args...)
	cmd.Env = append(os.Environ(), p.opts.Env...)
	out := &zapio.Writer{Log: p.logger.Desugar().Named("diff-service"), Level: zapcore.DebugLevel}
	cmd.Stdout = out
	cmd.Stderr = out

	p.logger.Infof("Starting diff service on port %d: %s", p.opts.Port, strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start diff service: %w", err)
	}
	exited := make(chan struct{})
	p.mu.Lock()
	p.cmd, p.exited = cmd, exited
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		out.Close()
		p.mu.Lock()
		if p.cmd == cmd {
			p.cmd, p.exited = nil, nil
		}
		p.mu.Unlock()
		close(exited)
		p.logger.Infof("Diff service exited: %v", err)
	}()

	if err := p.waitReady(ctx, exited); err != nil {
		p.Stop()
		return fmt.Errorf("diff service not ready within %s: %w", p.opts.StartupTimeout, err)
	}
	p.logger.Infof("Diff service ready on port %d", p.opts.Port)
	return nil
}

func (p *Process) waitReady(ctx context.Context, exited <-chan struct{}) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(p.opts.StartupTimeout),
	)
	return backoff.Retry(func() error {
		select {
		case <-exited:
			return backoff.Permanent(errExited)
		default:
		}
		probeCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return p.client.Health(probeCtx)
	}, backoff.WithContext(b, ctx))
}

// Healthy reports whether the managed process runs and answers /health
func (p *Process) Healthy(ctx context.Context) bool {
	if !p.running() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.client.Health(ctx) == nil
}

// GeneratePatch starts the service if needed and forwards the request. When the
// service cannot be reached the process is restarted and the request retried once.
func (p *Process) GeneratePatch(ctx context.Context, req diffgen.Request) (*diffgen.PatchFile, error) {
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	res, err := p.client.GeneratePatch(ctx, req)
	if err == nil || !errors.Is(err, ErrUnavailable) {
		return res, err
	}

	p.logger.Warnf("Diff service request failed, restarting service: %v", err)
	if err := p.Stop(); err != nil {
		p.logger.Warnf("Stopping diff service: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p.client.GeneratePatch(ctx, req)
}

// Stop sends SIGTERM and kills the process when it has not exited after the stop
// timeout.
func (p *Process) Stop() error {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}

	p.logger.Infof("Stopping diff service (pid %d)", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debugf("SIGTERM failed, killing: %v", err)
		cmd.Process.Kill()
	}
	select {
	case <-exited:
		return nil
	case <-time.After(p.opts.StopTimeout):
	}
	p.logger.Warnf("Diff service did not exit after %s, killing it", p.opts.StopTimeout)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-exited
	return nil
}
