package agent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alekspetrov/agentloop/internal/logging"
)

const chunkOverflowSignature = "chunk longer than limit"
const sessionMissingSignature = "No conversation found with session ID"
const rateLimitSignature = "usage limit reached"

// maxLineBytes is the minimum per-line buffer the child's stdout scanner
// must accept, per spec.md §4.B ("child output buffer limit ≥ 256 KiB").
const maxLineBytes = 1 << 20 // 1 MiB, comfortably above the 256 KiB floor

// ClaudeDriver implements Driver against the `claude` CLI's
// --output-format stream-json, --permission-mode bypassPermissions mode.
//
// Grounded on internal/executor/backend_claudecode.go's ClaudeCodeBackend:
// same pipe/heartbeat/grace-kill shape, generalized to add -r session
// resumption, image attachment flags, and process-group kill so the
// Immediate-Interrupt Path (spec.md §4.I) can reach any grandchildren the
// agent spawns.
type ClaudeDriver struct {
	cfg Config
	log *slog.Logger
}

// NewClaudeDriver constructs a driver from cfg, filling unset fields with
// DefaultConfig's values.
func NewClaudeDriver(cfg Config) *ClaudeDriver {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.HeartbeatCheckInterval <= 0 {
		cfg.HeartbeatCheckInterval = def.HeartbeatCheckInterval
	}
	return &ClaudeDriver{cfg: cfg, log: logging.WithComponent("agent.claude")}
}

// Run implements the Driver contract, spec.md §4.B.
func (d *ClaudeDriver) Run(ctx context.Context, opts RunOptions) (Result, error) {
	imagePaths, cleanupImages, err := materializeImages(opts.Images)
	if err != nil {
		return Result{}, fmt.Errorf("materialize images: %w", err)
	}
	defer cleanupImages()

	args := d.buildArgs(opts, imagePaths)

	cmd := exec.CommandContext(ctx, d.cfg.Binary, args...)
	cmd.Dir = opts.CWD
	// Detach stdin: never let the child block waiting on the parent.
	cmd.Stdin = nil
	// New process group so the interrupt path can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start agent: %w", err)
	}
	pid := cmd.Process.Pid
	d.log.Debug("agent started", slog.Int("pid", pid), slog.String("cwd", opts.CWD))

	var (
		wg             sync.WaitGroup
		accumulated    strings.Builder
		finalText      string
		haveFinalText  bool
		sessionID      string
		usage          Usage
		stderrBuf      strings.Builder
		sawChunkErr    atomic.Bool
		sawSessionMiss atomic.Bool
		sawRateLimit   atomic.Bool
	)

	cmdDone := make(chan struct{})
	var lastEventAt atomic.Int64
	lastEventAt.Store(time.Now().UnixNano())

	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go d.watchHeartbeat(heartbeatCtx, cmdDone, &lastEventAt, cmd, pid)

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			lastEventAt.Store(time.Now().UnixNano())
			line := scanner.Text()
			if line == "" {
				continue
			}
			pl := parseLine(line)
			for _, ev := range pl.events {
				if ev.Type == EventText {
					accumulated.WriteString(ev.Text)
				}
				if opts.OnEvent != nil {
					opts.OnEvent(ev)
				}
			}
			if pl.sessionID != "" {
				sessionID = pl.sessionID
			}
			if pl.finalTextSet {
				finalText = pl.finalText
				haveFinalText = true
			}
			if pl.usage.InputTokens > 0 || pl.usage.OutputTokens > 0 {
				usage = pl.usage
			} else {
				if pl.usage.DurationMS > 0 {
					usage.DurationMS = pl.usage.DurationMS
				}
				if pl.usage.CostUSD > 0 {
					usage.CostUSD = pl.usage.CostUSD
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			stderrBuf.WriteString(line)
			stderrBuf.WriteString("\n")
			if strings.Contains(line, chunkOverflowSignature) {
				sawChunkErr.Store(true)
			}
			if strings.Contains(line, sessionMissingSignature) {
				sawSessionMiss.Store(true)
			}
			if strings.Contains(line, rateLimitSignature) {
				sawRateLimit.Store(true)
			}
		}
	}()

	go d.watchContextCancel(ctx, cmdDone, cmd, pid)

	wg.Wait()
	waitErr := cmd.Wait()
	close(cmdDone)

	text := finalText
	if !haveFinalText {
		text = accumulated.String()
	}

	if waitErr != nil {
		if sawSessionMiss.Load() {
			return Result{PID: pid, SessionID: sessionID}, ErrSessionMissing
		}
		if sawRateLimit.Load() {
			return Result{PID: pid, SessionID: sessionID}, ErrRateLimited
		}
		if sawChunkErr.Load() {
			return Result{
				FinalText: text,
				PID:       pid,
				SessionID: sessionID,
				Usage:     usage,
				Truncated: true,
			}, nil
		}
		return Result{PID: pid, SessionID: sessionID}, fmt.Errorf(
			"agent exited with error: %w: %s", waitErr, strings.TrimSpace(stderrBuf.String()))
	}

	return Result{
		FinalText: text,
		PID:       pid,
		SessionID: sessionID,
		Usage:     usage,
	}, nil
}

func (d *ClaudeDriver) buildArgs(opts RunOptions, imagePaths []string) []string {
	args := []string{
		"-p", opts.Message,
		"--verbose",
		"--output-format", "stream-json",
		"--permission-mode", "bypassPermissions",
	}
	if opts.SessionID != "" {
		args = append(args, "-r", opts.SessionID)
	}
	if d.cfg.Model != "" {
		args = append(args, "--model", d.cfg.Model)
	}
	if d.cfg.Effort != "" {
		args = append(args, "--effort", d.cfg.Effort)
	}
	if opts.MCPConfig != "" {
		args = append(args, "--mcp-config", opts.MCPConfig)
	}
	for _, p := range imagePaths {
		args = append(args, "--image", p)
	}
	args = append(args, d.cfg.ExtraArgs...)
	return args
}

func (d *ClaudeDriver) watchHeartbeat(ctx context.Context, cmdDone <-chan struct{}, lastEventAt *atomic.Int64, cmd *exec.Cmd, pid int) {
	ticker := time.NewTicker(d.cfg.HeartbeatCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cmdDone:
			return
		case <-ticker.C:
			age := time.Since(time.Unix(0, lastEventAt.Load()))
			if age > d.cfg.HeartbeatTimeout {
				d.log.Warn("agent heartbeat timeout, killing",
					slog.Int("pid", pid), slog.Duration("age", age))
				killProcessGroup(pid, syscall.SIGKILL)
				return
			}
		}
	}
}

func (d *ClaudeDriver) watchContextCancel(ctx context.Context, cmdDone <-chan struct{}, cmd *exec.Cmd, pid int) {
	select {
	case <-cmdDone:
		return
	case <-ctx.Done():
		d.log.Warn("context cancelled, sending SIGTERM",
			slog.Int("pid", pid), slog.Duration("grace_period", d.cfg.GracePeriod))
		killProcessGroup(pid, syscall.SIGTERM)
		select {
		case <-cmdDone:
			return
		case <-time.After(d.cfg.GracePeriod):
			d.log.Warn("grace period expired, sending SIGKILL", slog.Int("pid", pid))
			killProcessGroup(pid, syscall.SIGKILL)
		}
	}
}

// killProcessGroup signals the whole process group rooted at pid, so tool
// subprocesses the agent spawned are reached too.
func killProcessGroup(pid int, sig syscall.Signal) {
	_ = syscall.Kill(-pid, sig)
}

// Interrupt sends SIGTERM to the process group rooted at pid. Used by the
// Immediate-Interrupt Path (spec.md §4.I) to ask a running agent to stop.
func Interrupt(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// ForceKill sends SIGKILL to the process group rooted at pid.
func ForceKill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// Alive reports whether pid is still signalable (process group leader
// still exists). A nil error from signal 0 means the process is alive.
func Alive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
