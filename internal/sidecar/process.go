// Package sidecar 引擎子进程管理。
//
// 桌面宿主不内嵌引擎, 而是把后端作为侧车进程拉起:
// spawn → TCP 就绪探测 → stderr 逐行收集进日志 → 显式 Shutdown/Kill。
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	apperrors "github.com/studio-run/go-studio-v2/pkg/errors"
	"github.com/studio-run/go-studio-v2/pkg/logger"
)

const (
	defaultSpawnTimeout = 20 * time.Second
	probeDialTimeout    = 500 * time.Millisecond
	probeRetryInterval  = 300 * time.Millisecond
	killWaitTimeout     = 5 * time.Second
)

// Options 侧车启动参数。
type Options struct {
	// Command 完整命令行, 空格分隔, 首个 token 为可执行文件。
	// 不做 shell 解析, 参数里不支持引号。
	Command string
	// Port 就绪探测端口 (子进程应在其上监听)。0 表示不探测, spawn 即就绪。
	Port int
	// SpawnTimeout 就绪探测总时长, 0 取默认 20s。
	SpawnTimeout time.Duration
	// WorkingDir 子进程工作目录, 空沿用宿主。
	WorkingDir string
	// ExtraEnv 追加环境变量 ("KEY=VALUE"), 叠加在宿主环境之上。
	ExtraEnv []string
}

// Process 一个受管的侧车进程。非并发安全: Start/Shutdown 由宿主串行调用。
type Process struct {
	opts    Options
	cmd     *exec.Cmd
	stderr  *logger.StderrCollector
	stopped atomic.Bool
}

// New 创建进程句柄, 不拉起任何东西。
func New(opts Options) *Process {
	if opts.SpawnTimeout <= 0 {
		opts.SpawnTimeout = defaultSpawnTimeout
	}
	return &Process{opts: opts}
}

// Start 拉起子进程并等待就绪。
//
// Port > 0 时先确认端口空闲 (占用说明已有实例), 再探测到子进程监听为止;
// 探测超时或 ctx 取消都会把已拉起的进程杀掉, 不留孤儿。
func (p *Process) Start(ctx context.Context) error {
	const op = "sidecar.Start"
	name, args, err := splitCommand(p.opts.Command)
	if err != nil {
		return apperrors.Wrap(err, op, "parse command")
	}
	if p.cmd != nil {
		return apperrors.New(op, "already started")
	}
	if p.opts.Port > 0 {
		if err := checkPortFree(p.opts.Port); err != nil {
			return apperrors.Wrapf(err, op, "port %d occupied", p.opts.Port)
		}
	}

	// 注意: 使用 exec.Command 而非 exec.CommandContext —
	// 子进程不应随调用方 ctx 结束而被终止,
	// 生命周期由 Shutdown()/Kill() 显式管理。
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), p.opts.ExtraEnv...)
	cmd.Dir = p.opts.WorkingDir
	cmd.Stdout = io.Discard
	p.stderr = logger.NewStderrCollector(name)
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		_ = p.stderr.Close()
		p.stderr = nil
		return apperrors.Wrap(err, op, "spawn engine")
	}
	p.cmd = cmd
	p.stopped.Store(false)

	if p.opts.Port == 0 {
		logger.Info("sidecar: engine spawned",
			logger.FieldCommand, name,
			logger.FieldPID, cmd.Process.Pid,
		)
		return nil
	}

	deadline := time.Now().Add(p.opts.SpawnTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			_ = p.Kill()
			return apperrors.Wrap(ctx.Err(), op, "spawn cancelled")
		default:
		}
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", p.opts.Port), probeDialTimeout)
		if err == nil {
			_ = conn.Close()
			logger.Info("sidecar: engine listening",
				logger.FieldCommand, name,
				logger.FieldPID, cmd.Process.Pid,
				logger.FieldPort, p.opts.Port,
			)
			return nil
		}
		time.Sleep(probeRetryInterval)
	}
	_ = p.Kill()
	return apperrors.Newf(op, "engine startup timeout on port %d", p.opts.Port)
}

// Running 返回子进程是否仍在运行。
func (p *Process) Running() bool {
	return !p.stopped.Load() && p.cmd != nil && p.cmd.ProcessState == nil
}

// Pid 返回子进程 PID, 未启动为 0。
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Shutdown 收尾: 关 stderr 收集器, 杀进程。幂等。
func (p *Process) Shutdown() error {
	if p.stopped.Swap(true) {
		return nil
	}
	if p.stderr != nil {
		_ = p.stderr.Close()
	}
	return p.Kill()
}

// Kill 强制终止子进程。
func (p *Process) Kill() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	// 杀整个进程组 (Setpgid=true 时 pgid == pid);
	// 进程组 kill 失败则回退 kill 进程本身。
	pid := p.cmd.Process.Pid
	killErr := syscall.Kill(-pid, syscall.SIGKILL)
	if killErr != nil {
		killErr = p.cmd.Process.Kill()
	}
	if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return killErr
	}
	// Cmd.Wait 可能因 pipe-copying goroutine 未退出而阻塞, 加超时保护。
	waitDone := make(chan error, 1)
	go func() { waitDone <- p.cmd.Wait() }()
	select {
	case waitErr := <-waitDone:
		if waitErr == nil {
			return nil
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil
		}
		waitMsg := waitErr.Error()
		if strings.Contains(waitMsg, "Wait was already called") || strings.Contains(waitMsg, "no child processes") {
			return nil
		}
		return waitErr
	case <-time.After(killWaitTimeout):
		logger.Warn("sidecar: wait after kill timed out",
			logger.FieldPID, pid,
		)
		return nil
	}
}

// splitCommand 拆出可执行文件与参数。
func splitCommand(command string) (string, []string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil, apperrors.New("sidecar.splitCommand", "empty command")
	}
	return fields[0], fields[1:], nil
}

// checkPortFree 尝试监听端口以确认其空闲。
func checkPortFree(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	_ = l.Close()
	return nil
}
