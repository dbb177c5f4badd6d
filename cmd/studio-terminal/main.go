// cmd/studio-terminal — Wails v3 桌面终端壳。
//
// 组装链路: config → (可选) PostgreSQL + 转写 → (可选) 引擎侧车 →
// 流管理器 + 看门狗 → StudioService → Wails 绑定与事件桥。
//
// 构建:
//
//	go build -o studio-terminal ./cmd/studio-terminal/
package main

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wailsapp/wails/v3/pkg/application"

	"github.com/studio-run/go-studio-v2/internal/config"
	"github.com/studio-run/go-studio-v2/internal/database"
	"github.com/studio-run/go-studio-v2/internal/rpc"
	"github.com/studio-run/go-studio-v2/internal/service"
	"github.com/studio-run/go-studio-v2/internal/sidecar"
	"github.com/studio-run/go-studio-v2/internal/store"
	"github.com/studio-run/go-studio-v2/internal/stream"
	"github.com/studio-run/go-studio-v2/internal/transcript"
	"github.com/studio-run/go-studio-v2/internal/watchdog"
	"github.com/studio-run/go-studio-v2/pkg/logger"
	"github.com/studio-run/go-studio-v2/pkg/util"
)

// loadEnvFile 从当前目录向上搜索 .env 文件并加载到环境变量。
// 不覆盖已有的环境变量 — 只填充未设置的。
func loadEnvFile() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for range 5 {
		envPath := filepath.Join(dir, ".env")
		f, err := os.Open(envPath)
		if err == nil {
			scanner := bufio.NewScanner(f)
			count := 0
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				parts := strings.SplitN(line, "=", 2)
				if len(parts) != 2 {
					continue
				}
				key := strings.TrimSpace(parts[0])
				val := strings.TrimSpace(parts[1])
				if _, exists := os.LookupEnv(key); !exists {
					if err := os.Setenv(key, val); err != nil {
						logger.Warn("loadEnvFile: setenv failed", logger.FieldKey, key, logger.FieldError, err)
						continue
					}
					count++
				}
			}
			_ = f.Close()
			logger.Info("loaded .env file", logger.FieldPath, envPath, logger.FieldCount, count)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
}

func main() {
	loadEnvFile()

	// 日志持久化: stdout + 文件
	if err := logger.InitWithFile("logs"); err != nil {
		logger.Warn("file logging unavailable", logger.FieldError, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadFile(os.Getenv("STUDIO_CONFIG_FILE"))
	if err != nil {
		logger.Fatal("config load failed", logger.Any(logger.FieldError, err))
	}

	// ─── 数据库 (可选) ───
	pool := setupDatabase(ctx, cfg)

	// ─── 后端端点: 档案优先, 其次全局配置 ───
	profilesPath := util.FirstNonEmpty(os.Getenv("STUDIO_PROFILES_FILE"), "profiles.json")
	baseURL, transport := resolveEndpoint(cfg, profilesPath)

	// ─── 引擎侧车 (可选) ───
	side := startSidecar(ctx, cfg)

	// ─── 流核心 ───
	client := rpc.NewClient(baseURL, time.Duration(cfg.RPCTimeoutSec)*time.Second)
	notifier := stream.NewNotifier()
	mgr := stream.NewManager(
		stream.DialerFor(transport, stream.Options{
			BaseURL:          baseURL,
			ReconnectInitial: time.Duration(cfg.ReconnectInitialMS) * time.Millisecond,
			ReconnectMax:     time.Duration(cfg.ReconnectMaxMS) * time.Millisecond,
			HeartbeatTimeout: time.Duration(cfg.HeartbeatTimeoutSec) * time.Second,
		}),
		client,
		notifier,
		stream.ManagerOptions{RPCTimeout: time.Duration(cfg.RPCTimeoutSec) * time.Second},
	)

	wd := watchdog.New(mgr,
		time.Duration(cfg.WatchdogIntervalSec)*time.Second,
		time.Duration(cfg.WatchdogStaleSec)*time.Second,
	)
	wd.Start(ctx)

	var recorder *transcript.Recorder
	if pool != nil && cfg.TranscriptEnabled {
		recorder = transcript.NewRecorder(store.NewTurnEventStore(pool), store.NewTurnStore(pool))
	}

	svc := service.New(service.Deps{
		Manager:      mgr,
		Client:       client,
		Notifier:     notifier,
		Recorder:     recorder,
		ProfilesPath: profilesPath,
	})

	// ─── Wails App ───
	appSvc := NewApp(svc)
	app := application.New(application.Options{
		Name: "Studio Terminal",
		Assets: application.AssetOptions{
			Handler: frontendHandler(),
		},
		Services: []application.Service{
			application.NewService(appSvc),
		},
		Mac: application.MacOptions{
			ApplicationShouldTerminateAfterLastWindowClosed: true,
		},
		OnShutdown: func() {
			cancel()
			logger.Info("on-shutdown: begin")
			svc.Shutdown()
			if side != nil {
				if err := side.Shutdown(); err != nil {
					logger.Warn("sidecar shutdown failed", logger.FieldError, err)
				}
			}
			logger.ShutdownDBHandler()
			logger.ShutdownFileHandler()
			if pool != nil {
				pool.Close()
			}
			logger.Info("on-shutdown: completed")
		},
	})
	appSvc.wailsApp = app

	// 广播 → 前端事件桥
	svc.Start(func(event string, payload any) {
		app.Event.Emit(event, payload)
	})

	app.Window.NewWithOptions(application.WebviewWindowOptions{
		Title:           "Studio Terminal",
		Width:           1280,
		Height:          860,
		MinWidth:        760,
		MinHeight:       540,
		InitialPosition: application.WindowCentered,
		BackgroundColour: application.RGBA{
			Red: 16, Green: 18, Blue: 24, Alpha: 255,
		},
		Mac: application.MacWindow{
			TitleBar: application.MacTitleBarDefault,
		},
	})

	if err := app.Run(); err != nil {
		logger.Error("wails app failed", logger.FieldError, err)
	}
	logger.Info("wails app exited")
}

// frontendHandler 前端静态资源。
//
// 打包好的前端放 frontend/dist; 目录缺失时 (纯 Go 联调) 退回占位页,
// 绑定方法与事件桥不受影响。
func frontendHandler() http.Handler {
	const distDir = "frontend/dist"
	if st, err := os.Stat(distDir); err == nil && st.IsDir() {
		return http.FileServer(http.Dir(distDir))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<!doctype html><html><body style="background:#101218;color:#d8dce6;font-family:monospace">` +
			`<h3>Studio Terminal</h3><p>frontend bundle not found (frontend/dist)</p></body></html>`))
	})
}

// setupDatabase 初始化 PostgreSQL 连接池 + 自动迁移, 未配置时返回 nil。
func setupDatabase(ctx context.Context, cfg *config.Config) *pgxpool.Pool {
	if cfg.PostgresConnStr == "" {
		logger.Info("no POSTGRES_CONNECTION_STRING, transcript persistence disabled")
		return nil
	}
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Warn("DB not available, transcript persistence disabled", logger.FieldError, err)
		return nil
	}
	if mErr := database.Migrate(ctx, pool, "./migrations"); mErr != nil {
		logger.Warn("DB migration failed (non-fatal)", logger.FieldError, mErr)
	}
	logger.AttachDBHandler(pool)
	return pool
}

// resolveEndpoint 决定后端地址与传输层: profiles.json 的默认档案优先。
func resolveEndpoint(cfg *config.Config, profilesPath string) (baseURL, transport string) {
	baseURL, transport = cfg.BackendBaseURL, cfg.Transport
	raw, err := config.LoadProfilesRaw(profilesPath)
	if err != nil {
		logger.Warn("profiles load failed, using global config", logger.FieldError, err)
		return baseURL, transport
	}
	if p := raw.DefaultProfile(); p != nil {
		if p.BaseURL != "" {
			baseURL = p.BaseURL
		}
		if p.Transport != "" {
			transport = p.Transport
		}
		logger.Info("using backend profile",
			logger.FieldID, p.ID,
			logger.FieldURL, baseURL,
			logger.FieldTransport, transport,
		)
	}
	return baseURL, transport
}

// startSidecar 按配置拉起引擎侧车, 未配置时返回 nil。
func startSidecar(ctx context.Context, cfg *config.Config) *sidecar.Process {
	if cfg.SidecarCommand == "" {
		return nil
	}
	side := sidecar.New(sidecar.Options{
		Command:      cfg.SidecarCommand,
		SpawnTimeout: time.Duration(cfg.SidecarSpawnTimeoutSec) * time.Second,
	})
	if err := side.Start(ctx); err != nil {
		logger.Warn("sidecar start failed, assuming engine already running", logger.FieldError, err)
		return nil
	}
	return side
}
