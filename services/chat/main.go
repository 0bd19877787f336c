package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/clubchat/internal/chat"
	"github.com/clubchat/internal/config"
	"github.com/clubchat/internal/directory"
	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/membership"
	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/profile"
	"github.com/clubchat/internal/startup"
	"github.com/clubchat/internal/storage"
	filestorage "github.com/clubchat/internal/storage/file"
	memorystorage "github.com/clubchat/internal/storage/memory"
	"github.com/clubchat/internal/transport"
	transportmem "github.com/clubchat/internal/transport/memory"
	"github.com/clubchat/internal/transport/relay"
)

func main() {
	logger.SetPrefix("chat")
	dev := flag.Bool("dev", false, "self-contained run: in-memory transport and in-process directory")
	flag.Parse()

	logger.Info("starting chat node")
	cfg := config.Load()

	kv := openStorage(cfg)
	defer kv.Close()

	inboxID := deviceIdentity(kv)
	var client transport.Client
	if *dev {
		client = transportmem.NewNetwork().Client(inboxID)
		cfg.DirectoryURL = startDevDirectory()
		if cfg.DirectoryWriteToken == "" {
			cfg.DirectoryWriteToken = "dev"
		}
	} else {
		client = relay.New(cfg.RelayURL, inboxID)
	}
	defer client.Close()
	logger.Infof("inbox id: %s", inboxID)

	dir := directory.New(cfg.DirectoryURL)
	flow := membership.New(client, dir, kv, cfg.DirectoryWriteToken, cfg.DisplayName)
	sess := chat.NewSession(client, flow, profile.NewCache(kv), chat.Options{
		DisplayName:    cfg.DisplayName,
		ResyncWindow:   cfg.ResyncWindow,
		Heartbeat:      cfg.Heartbeat(),
		JoinRetry:      cfg.JoinRetry(),
		ReactionEmojis: cfg.ReactionEmojis,
	})

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutdown signal received")
		cancel()
	}()

	logger.Info("resolving membership (may wait for admin approval)...")
	if err := sess.Initialize(ctx); err != nil {
		logger.Errorf("initialize: %v", err)
		os.Exit(1)
	}
	defer sess.Disconnect()
	logger.Infof("connected as %s (%s)", cfg.DisplayName, sess.MembershipState())

	readLoop(ctx, sess)
	logger.Info("chat node stopped")
}

// readLoop — минимальный интерактивный интерфейс поверх сессии.
func readLoop(ctx context.Context, sess *chat.Session) {
	fmt.Println("commands: /list, /react <n> <emoji>, /reply <n> <text>, /requests, /approve <inboxId>, /profile <name>, /quit; anything else is sent as a message")
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line = strings.TrimSpace(line); line == "" {
				continue
			}
			if line == "/quit" {
				return
			}
			runCommand(ctx, sess, line)
		}
	}
}

func runCommand(ctx context.Context, sess *chat.Session, line string) {
	opCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch {
	case line == "/list":
		printMessages(sess.Messages())
	case strings.HasPrefix(line, "/react "):
		n, rest := splitIndex(strings.TrimPrefix(line, "/react "))
		target := messageAt(sess, n)
		if target == nil || rest == "" {
			fmt.Println("usage: /react <n> <emoji>")
			return
		}
		if err := sess.React(opCtx, rest, target.ID); err != nil {
			logger.Errorf("react: %v", err)
		}
	case strings.HasPrefix(line, "/reply "):
		n, rest := splitIndex(strings.TrimPrefix(line, "/reply "))
		target := messageAt(sess, n)
		if target == nil || rest == "" {
			fmt.Println("usage: /reply <n> <text>")
			return
		}
		if _, err := sess.SendReply(opCtx, target, rest); err != nil {
			logger.Errorf("reply: %v", err)
		}
	case line == "/requests":
		reqs, err := sess.LoadJoinRequests(opCtx)
		if err != nil {
			logger.Errorf("requests: %v", err)
			return
		}
		if len(reqs) == 0 {
			fmt.Println("no pending join requests")
		}
		for _, r := range reqs {
			fmt.Printf("  %s (%s)\n", r.RequesterID, r.DisplayName)
		}
	case strings.HasPrefix(line, "/approve "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/approve "))
		if err := sess.ApproveJoinRequest(opCtx, id); err != nil {
			logger.Errorf("approve: %v", err)
		} else {
			fmt.Printf("approved %s\n", id)
		}
	case strings.HasPrefix(line, "/profile "):
		name := strings.TrimSpace(strings.TrimPrefix(line, "/profile "))
		if err := sess.BroadcastProfile(opCtx, model.ProfileRecord{Name: name}); err != nil {
			logger.Errorf("profile: %v", err)
		}
	default:
		if _, err := sess.SendText(opCtx, line); err != nil {
			logger.Errorf("send: %v", err)
		}
	}
}

func printMessages(msgs []*model.Message) {
	for i, m := range msgs {
		name := m.DisplayName
		if name == "" {
			name = m.SenderID
		}
		status := ""
		if m.Status != model.MessageStatusSent {
			status = " [" + string(m.Status) + "]"
		}
		fmt.Printf("%3d %s%s: %s", i, name, status, m.Body)
		for emoji, st := range m.Reactions {
			fmt.Printf("  %s×%d", emoji, st.Count)
		}
		fmt.Println()
	}
}

func messageAt(sess *chat.Session, n int) *model.Message {
	msgs := sess.Messages()
	if n < 0 || n >= len(msgs) {
		return nil
	}
	return msgs[n]
}

// splitIndex выделяет ведущий номер сообщения и остаток строки.
func splitIndex(s string) (int, string) {
	num, rest, _ := strings.Cut(strings.TrimSpace(s), " ")
	n, err := strconv.Atoi(num)
	if err != nil {
		return -1, ""
	}
	return n, strings.TrimSpace(rest)
}

// startDevDirectory поднимает каталог в памяти процесса на свободном порту и
// возвращает его URL. Контракт тот же, что у services/directory, персистентности нет.
func startDevDirectory() string {
	var mu sync.Mutex
	var rec model.DirectoryRecord
	var published bool

	mux := http.NewServeMux()
	mux.HandleFunc("/api/directory", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			mu.Lock()
			defer mu.Unlock()
			if !published {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			json.NewEncoder(w).Encode(rec)
		case http.MethodPut:
			var in model.DirectoryRecord
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			mu.Lock()
			rec, published = in, true
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Errorf("dev directory listen: %v", err)
		os.Exit(1)
	}
	go func() {
		if err := http.Serve(ln, mux); err != nil {
			logger.Errorf("dev directory: %v", err)
		}
	}()
	url := "http://" + ln.Addr().String()
	logger.Infof("dev directory at %s", url)
	return url
}

// openStorage выбирает локальный KV по конфигу: file (по умолчанию), memory, redis.
func openStorage(cfg *config.Config) storage.KV {
	switch cfg.StorageBackend {
	case "redis":
		return startup.ConnectRedisWithRetry(cfg.Redis.URL, 30*time.Second, "")
	case "memory":
		logger.Info("storage: in-memory (state is lost on restart)")
		return memorystorage.New()
	default:
		kv, err := filestorage.New(cfg.DataDir)
		if err != nil {
			logger.Errorf("open file storage: %v", err)
			os.Exit(1)
		}
		return kv
	}
}

// deviceIdentity возвращает стабильный inbox id устройства, создавая его при
// первом запуске.
func deviceIdentity(kv storage.KV) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := kv.Get(ctx, storage.KeyDeviceIdentity)
	if err != nil {
		logger.Errorf("device identity read: %v", err)
	}
	if id != "" {
		return id
	}
	id = uuid.New().String()
	if err := kv.Set(ctx, storage.KeyDeviceIdentity, id); err != nil {
		logger.Errorf("device identity write: %v", err)
	}
	return id
}
