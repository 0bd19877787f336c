// Package membership — машина состояний доступа устройства к общему чату.
// Координация идёт через публичную запись каталога и личные сообщения
// транспорта; push-уведомления об одобрении нет, только повторное разрешение.
package membership

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clubchat/internal/directory"
	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/storage"
	"github.com/clubchat/internal/transport"
)

// joinRequestPrefix — wire-форма join-запроса в личном сообщении админу:
// JOIN_REQUEST:<requesterId>:<displayName>. Имя — неразбиваемый остаток.
const joinRequestPrefix = "JOIN_REQUEST:"

// joinScanHistoryLimit — глубина просмотра каждого личного разговора при
// поиске join-запросов.
const joinScanHistoryLimit = 50

type Workflow struct {
	client      transport.Client
	dir         *directory.Client
	kv          storage.KV
	writeToken  string
	displayName string
}

func New(client transport.Client, dir *directory.Client, kv storage.KV, writeToken, displayName string) *Workflow {
	return &Workflow{
		client:      client,
		dir:         dir,
		kv:          kv,
		writeToken:  writeToken,
		displayName: displayName,
	}
}

// Resolution — результат одного шага разрешения членства.
type Resolution struct {
	State        model.MembershipState
	Conversation transport.Conversation
}

// Resolve выполняет один шаг: чтение каталога + проверка членств транспорта.
// Состояние выводится заново из содержимого каталога при каждом вызове;
// локальный флаг «я админ» — только кеш, не источник истины.
func (w *Workflow) Resolve(ctx context.Context) (Resolution, error) {
	rec := w.dir.Fetch(ctx)
	self := w.client.InboxID()

	if rec.Empty() {
		return w.bootstrap(ctx)
	}

	if rec.AdminInboxID == self {
		conv, err := w.client.FindConversation(ctx, rec.GlobalGroupID)
		if err != nil {
			return Resolution{State: model.MembershipUnbound}, fmt.Errorf("membership.Resolve admin rejoin: %w", err)
		}
		if conv == nil {
			return Resolution{State: model.MembershipUnbound}, fmt.Errorf("membership.Resolve: directory names this device admin of %s, but the conversation is gone", rec.GlobalGroupID)
		}
		w.cacheAdminFlag(ctx, true)
		return Resolution{State: model.MembershipAdmin, Conversation: conv}, nil
	}

	conv, err := w.client.FindConversation(ctx, rec.GlobalGroupID)
	if err != nil {
		return Resolution{State: model.MembershipUnbound}, fmt.Errorf("membership.Resolve lookup: %w", err)
	}
	if conv != nil {
		w.cacheAdminFlag(ctx, false)
		return Resolution{State: model.MembershipMember, Conversation: conv}, nil
	}

	// Не участник: один join-запрос на установку, дальше — ожидание.
	sent, err := w.kv.Get(ctx, storage.KeyJoinRequestSent)
	if err != nil {
		logger.Errorf("membership join flag read: %v", err)
	}
	if sent != "" {
		return Resolution{State: model.MembershipPendingApproval}, nil
	}
	if err := w.sendJoinRequest(ctx, rec.AdminInboxID); err != nil {
		// Сбой отправки не фатален: следующий Resolve попробует снова.
		logger.Errorf("membership join request: %v", err)
		return Resolution{State: model.MembershipUnbound}, nil
	}
	if err := w.kv.Set(ctx, storage.KeyJoinRequestSent, "1"); err != nil {
		logger.Errorf("membership join flag write: %v", err)
	}
	return Resolution{State: model.MembershipRequestSent}, nil
}

// bootstrap: каталог пуст — это устройство создаёт чат и публикует запись.
// Гонку двух холодных устройств разрешает каталог: проигравший увидит чужой
// globalGroupId на следующем Resolve и уйдёт в Member/PendingApproval.
func (w *Workflow) bootstrap(ctx context.Context) (Resolution, error) {
	if w.writeToken == "" {
		// Без write-токена бутстрап невозможен; ждём, пока каталог заполнит админ.
		return Resolution{State: model.MembershipUnbound}, nil
	}
	conv, err := w.client.CreateConversation(ctx)
	if err != nil {
		return Resolution{State: model.MembershipUnbound}, fmt.Errorf("membership.bootstrap create: %w", err)
	}
	rec := model.DirectoryRecord{GlobalGroupID: conv.ID(), AdminInboxID: w.client.InboxID()}
	if err := w.dir.Publish(ctx, rec, w.writeToken); err != nil {
		return Resolution{State: model.MembershipUnbound}, fmt.Errorf("membership.bootstrap publish: %w", err)
	}
	w.cacheAdminFlag(ctx, true)
	logger.Infof("membership: bootstrapped conversation %s, this device is admin", conv.ID())
	return Resolution{State: model.MembershipAdmin, Conversation: conv}, nil
}

// RunUntilResolved повторяет Resolve с фиксированным интервалом, пока
// устройство не получит доступ или ctx не отменится. Backoff намеренно нет:
// частота запросов мала.
func (w *Workflow) RunUntilResolved(ctx context.Context, interval time.Duration) (Resolution, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := w.Resolve(ctx)
		if err != nil {
			logger.Errorf("membership resolve: %v", err)
		}
		if res.State.Resolved() {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Workflow) sendJoinRequest(ctx context.Context, adminID string) error {
	dm, err := w.client.OpenDirect(ctx, adminID)
	if err != nil {
		return fmt.Errorf("open direct to admin: %w", err)
	}
	payload := joinRequestPrefix + w.client.InboxID() + ":" + w.displayName
	if _, err := dm.Send(ctx, payload); err != nil {
		return fmt.Errorf("send join request: %w", err)
	}
	return nil
}

func (w *Workflow) cacheAdminFlag(ctx context.Context, isAdmin bool) {
	val := ""
	if isAdmin {
		val = "1"
	}
	if err := w.kv.Set(ctx, storage.KeyIsAdmin, val); err != nil {
		logger.Errorf("membership admin flag write: %v", err)
	}
}

// ParseJoinRequest разбирает payload личного сообщения.
func ParseJoinRequest(payload string) (model.JoinRequest, bool) {
	rest, ok := strings.CutPrefix(payload, joinRequestPrefix)
	if !ok {
		return model.JoinRequest{}, false
	}
	requester, name, _ := strings.Cut(rest, ":")
	if requester == "" {
		return model.JoinRequest{}, false
	}
	return model.JoinRequest{RequesterID: requester, DisplayName: name}, true
}

// LoadJoinRequests сканирует личные разговоры и возвращает уникальные заявки
// от устройств, ещё не состоящих в conv.
func (w *Workflow) LoadJoinRequests(ctx context.Context, conv transport.Conversation) ([]model.JoinRequest, error) {
	members, err := conv.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("membership.LoadJoinRequests members: %w", err)
	}
	memberSet := make(map[string]struct{}, len(members))
	for _, id := range members {
		memberSet[id] = struct{}{}
	}

	dms, err := w.client.DirectConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("membership.LoadJoinRequests directs: %w", err)
	}
	seen := make(map[string]struct{})
	var out []model.JoinRequest
	for _, dm := range dms {
		raws, err := dm.History(ctx, joinScanHistoryLimit)
		if err != nil {
			logger.Errorf("membership scan dm=%s: %v", dm.ID(), err)
			continue
		}
		for _, raw := range raws {
			req, ok := ParseJoinRequest(raw.Payload)
			if !ok {
				continue
			}
			if _, member := memberSet[req.RequesterID]; member {
				continue
			}
			if _, dup := seen[req.RequesterID]; dup {
				continue
			}
			seen[req.RequesterID] = struct{}{}
			out = append(out, req)
		}
	}
	return out, nil
}

// SpawnAutoApprove запускает фоновое одобрение заявок и возвращает канал
// ошибок; канал закрывается по завершении прохода. Задача не блокирует
// вызывающего: её сбои — в лог, не наверх.
func (w *Workflow) SpawnAutoApprove(ctx context.Context, conv transport.Conversation) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		reqs, err := w.LoadJoinRequests(ctx, conv)
		if err != nil {
			errCh <- err
			return
		}
		for _, req := range reqs {
			// Добавление существующего участника транспорт терпит; не ретраим.
			if err := conv.AddMember(ctx, req.RequesterID); err != nil {
				logger.Errorf("membership auto-approve %s: %v", req.RequesterID, err)
				continue
			}
			logger.Infof("membership: approved join request from %s", req.RequesterID)
		}
	}()
	return errCh
}

// Recover — ручное восстановление: устройство с write-токеном принудительно
// создаёт новый чат и перепубликует каталог, становясь новым админом.
// Не часть штатного потока.
func (w *Workflow) Recover(ctx context.Context, credential string) (transport.Conversation, error) {
	conv, err := w.client.CreateConversation(ctx)
	if err != nil {
		return nil, fmt.Errorf("membership.Recover create: %w", err)
	}
	rec := model.DirectoryRecord{GlobalGroupID: conv.ID(), AdminInboxID: w.client.InboxID()}
	if err := w.dir.Publish(ctx, rec, credential); err != nil {
		return nil, fmt.Errorf("membership.Recover publish: %w", err)
	}
	w.cacheAdminFlag(ctx, true)
	logger.Infof("membership: recovered with new conversation %s", conv.ID())
	return conv, nil
}
