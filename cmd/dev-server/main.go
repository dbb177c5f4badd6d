// cmd/dev-server — 协议完整的开发后端入口。
//
// 对外表面与真引擎一致 (POST /rpc, GET /stream, GET /ws, GET /healthz),
// 轮次由脚本播放器产生, 供前端开发与终端联调使用。
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/studio-run/go-studio-v2/internal/config"
	"github.com/studio-run/go-studio-v2/internal/devserver"
	"github.com/studio-run/go-studio-v2/pkg/logger"
	"github.com/studio-run/go-studio-v2/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logger.Init(cfg.AppEnv)

	opts := devserver.Options{
		HeartbeatInterval: time.Duration(cfg.DevServerHeartbeatSec) * time.Second,
	}
	// "slow" 脚本节奏便于肉眼观察帧序列
	if cfg.DevServerScript == "slow" {
		opts.FrameDelay = 600 * time.Millisecond
	}
	s := devserver.NewServer(opts)

	httpSrv := &http.Server{
		Addr:              cfg.DevServerAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Infow("dev-server starting", logger.FieldListen, cfg.DevServerAddr)
	util.SafeGo(func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("dev-server failed", logger.Any(logger.FieldError, err))
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dev-server shutdown", logger.FieldError, err)
	}
}
