// cmd/studio-cli — 操作员探针: 不开桌面壳, 直接敲后端协议面。
//
// 用法:
//
//	studio-cli sessions list
//	studio-cli sessions create "标题"
//	studio-cli sessions delete <session-id>
//	studio-cli send <session-id> "提交内容"
//	studio-cli cancel <session-id>
//	studio-cli watch <session-id> [--transport sse|ws]
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/studio-run/go-studio-v2/internal/config"
	"github.com/studio-run/go-studio-v2/internal/rpc"
	"github.com/studio-run/go-studio-v2/internal/stream"
	"github.com/studio-run/go-studio-v2/pkg/logger"
)

var (
	backendURL string
	transport  string
	timeoutSec int
)

var rootCmd = &cobra.Command{
	Use:           "studio-cli",
	Short:         "Studio 后端协议探针",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cfg := config.Load()
	logger.Init(cfg.AppEnv)

	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", cfg.BackendBaseURL, "后端地址")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", cfg.Transport, "流传输层 (sse|ws)")
	rootCmd.PersistentFlags().IntVar(&timeoutSec, "timeout", cfg.RPCTimeoutSec, "RPC 超时 (秒)")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsCreateCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd, sendCmd, cancelCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newClient() *rpc.Client {
	return rpc.NewClient(backendURL, time.Duration(timeoutSec)*time.Second)
}

// ========================================
// sessions
// ========================================

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "会话管理",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出全部会话",
	RunE: func(cmd *cobra.Command, _ []string) error {
		list, err := newClient().ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, s := range list {
			created := time.Unix(s.CreatedAt, 0).Format("2006-01-02 15:04:05")
			fmt.Printf("%s  %-24s  msgs=%-4d  created=%s\n", s.ID, s.Title, s.MessageCount, created)
		}
		return nil
	},
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "新建会话",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wd, _ := os.Getwd()
		s, err := newClient().CreateSession(cmd.Context(), args[0], wd)
		if err != nil {
			return err
		}
		fmt.Println(s.ID)
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "删除会话",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

// ========================================
// send / cancel
// ========================================

var sendCmd = &cobra.Command{
	Use:   "send <session-id> <content...>",
	Short: "提交一轮对话 (确认即入队, 过程看 watch)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args[1:], " ")
		if err := newClient().SendMessage(cmd.Context(), args[0], content); err != nil {
			return err
		}
		fmt.Println("queued")
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "取消在途轮次",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().CancelTurn(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("cancelled")
		return nil
	},
}

// ========================================
// watch
// ========================================

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "挂到会话帧流上, 逐帧打印 (Ctrl-C 退出)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		dial := stream.DialerFor(transport, stream.Options{BaseURL: backendURL})
		tr, err := dial(ctx, args[0])
		if err != nil {
			return err
		}
		defer func() { _ = tr.Close() }()

		fmt.Fprintf(os.Stderr, "watching %s over %s (Ctrl-C to stop)\n", args[0], tr.Name())
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-tr.Events():
				if !ok {
					return nil
				}
				printEvent(ev)
			}
		}
	},
}

func printEvent(ev stream.StreamEvent) {
	ts := time.Now().Format("15:04:05.000")
	switch {
	case ev.Frame != nil:
		data := strings.TrimSpace(string(ev.Frame.Data))
		if data == "" || data == "null" {
			fmt.Printf("%s  %s\n", ts, ev.Frame.Type)
			return
		}
		// 压缩成单行
		var compact bytes.Buffer
		if err := json.Compact(&compact, []byte(data)); err != nil {
			fmt.Printf("%s  %s  %s\n", ts, ev.Frame.Type, data)
			return
		}
		fmt.Printf("%s  %s  %s\n", ts, ev.Frame.Type, compact.String())
	case ev.Reconnecting:
		fmt.Printf("%s  -- reconnecting: %v\n", ts, ev.Err)
	}
}
