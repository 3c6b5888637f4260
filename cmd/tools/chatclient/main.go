package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/bookstore-chat/backend/internal/client"
	"github.com/zhouzirui/bookstore-chat/backend/internal/config"
	"github.com/zhouzirui/bookstore-chat/backend/internal/logger"
	"github.com/zhouzirui/bookstore-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/bookstore-chat/backend/internal/service/chat"
)

func main() {
	if err := godotenv.Load(); err != nil {
		logger.Debug("无法加载 .env，改用系统环境变量", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("配置加载失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level)
	defer logger.Sync()

	server := flag.String("server", "http://localhost"+cfg.Server.Addr, "聊天后端地址")
	mode := flag.String("mode", "widget", "客户端模式: widget 或 console")
	userID := flag.String("user", "", "已登录用户 ID（widget 模式）")
	name := flag.String("name", "", "访客姓名（widget 模式）")
	email := flag.String("email", "", "访客邮箱（widget 模式）")
	ttl := flag.Duration("new-ttl", cfg.Chat.NewMessageTTL, "新消息高亮时长")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	remote, err := client.NewRemote(*server, nil)
	if err != nil {
		logger.Error("无法创建客户端", zap.Error(err))
		os.Exit(1)
	}

	term := &terminal{out: os.Stdout}
	opts := chatService.SurfaceOptions{NewMessageTTL: *ttl}

	switch *mode {
	case "widget":
		identity := chat.Guest(*name, *email)
		if *userID != "" {
			identity = chat.Authenticated(*userID)
		}
		err = runWidget(ctx, remote, identity, opts, term)
	case "console":
		err = runConsole(ctx, remote, opts, term)
	default:
		flag.Usage()
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		logger.Error("chat client stopped", zap.Error(err))
		os.Exit(1)
	}
}

// terminal 串行化输出，推送回调与输入循环会并发打印
type terminal struct {
	mu  sync.Mutex
	out *os.File
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) render(title string, view []chatService.RenderedMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "\n=== %s ===\n", title)
	for _, m := range view {
		marker := " "
		if m.IsNew {
			marker = "*"
		}
		state := ""
		if m.DeliveryState == chat.StatePending {
			state = " (sending)"
		}
		fmt.Fprintf(t.out, "%s [%s] %-8s %s%s\n", marker, m.CreatedAt.Local().Format(time.Kitchen), m.SenderRole, m.Body, state)
	}
}

// readLines 逐行读取标准输入，直到 ctx 结束或 EOF
func readLines(ctx context.Context, handle func(line string)) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			handle(line)
		}
	}
}

func runWidget(ctx context.Context, remote *client.Remote, identity chat.ViewerIdentity, opts chatService.SurfaceOptions, term *terminal) error {
	var w *chatService.Widget
	opts.OnChange = func() { term.render("support chat", w.View()) }
	w = chatService.NewWidget(remote, chatService.StaticResolver(identity), remote, opts)

	if err := w.Mount(ctx); err != nil {
		return err
	}
	defer w.Unmount()

	if !w.Session().CanSend() {
		term.printf("请先输入 /profile <name> <email> 填写联系方式\n")
	}

	readLines(ctx, func(line string) {
		if rest, ok := strings.CutPrefix(line, "/profile "); ok {
			fields := strings.Fields(rest)
			if len(fields) < 2 {
				term.printf("用法: /profile <name> <email>\n")
				return
			}
			if err := w.SetProfile(ctx, strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]); err != nil {
				term.printf("无法更新资料: %v\n", err)
			}
			return
		}
		if err := w.Send(ctx, line); err != nil {
			term.printf("发送失败: %v (草稿: %q)\n", err, w.Draft())
		}
	})
	return nil
}

func runConsole(ctx context.Context, remote *client.Remote, opts chatService.SurfaceOptions, term *terminal) error {
	var c *chatService.Console
	opts.OnChange = func() {
		if active, ok := c.Active(); ok {
			term.render(active.DisplayName, c.View())
		}
	}
	c = chatService.NewConsole(remote, opts)

	if err := c.Mount(ctx); err != nil {
		return err
	}
	defer c.Unmount()

	term.printf("命令: /threads [关键字]  /open <userId:xxx|email:xxx>  其他输入作为回复发送\n")
	readLines(ctx, func(line string) {
		switch {
		case strings.HasPrefix(line, "/threads"):
			query := strings.TrimSpace(strings.TrimPrefix(line, "/threads"))
			for _, t := range c.Threads(query) {
				term.printf("%-32s %-20s unread=%d  %s  %q\n",
					t.Key.String(), t.DisplayName, t.UnreadCount,
					t.LastMessageTime.Local().Format(time.Kitchen), t.LastMessageText)
			}
		case strings.HasPrefix(line, "/open "):
			key, ok := chat.ParseKey(strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
			if !ok {
				term.printf("无效的会话标识\n")
				return
			}
			if err := c.Select(ctx, key); err != nil {
				term.printf("无法打开会话: %v\n", err)
			}
		default:
			if err := c.Send(ctx, line); err != nil {
				term.printf("发送失败: %v\n", err)
			}
		}
	})
	return nil
}
