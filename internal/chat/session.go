package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clubchat/internal/config"
	"github.com/clubchat/internal/envelope"
	"github.com/clubchat/internal/logger"
	"github.com/clubchat/internal/membership"
	"github.com/clubchat/internal/model"
	"github.com/clubchat/internal/profile"
	"github.com/clubchat/internal/reactions"
	"github.com/clubchat/internal/transport"
)

// Options — параметры сессии.
type Options struct {
	DisplayName string
	// HistoryLimit — глубина бэкфила при подключении.
	HistoryLimit int
	// ResyncWindow — окно heartbeat-ресинка.
	ResyncWindow int
	// Heartbeat — период фонового ресинка. 0 — без фонового тикера.
	Heartbeat time.Duration
	// JoinRetry — период повторного разрешения членства.
	JoinRetry time.Duration
	// ReactionEmojis — допустимый набор реакций.
	ReactionEmojis []string
}

// Session — явный владелец состояния одного разговора: транспортный хэндл,
// reconciler, подписка на живой поток. Одна живая подписка на процесс;
// повторное подключение сначала снимает предыдущую.
type Session struct {
	client   transport.Client
	flow     *membership.Workflow
	profiles *profile.Cache
	rec      *Reconciler
	opts     Options

	mu          sync.Mutex
	state       model.MembershipState
	conv        transport.Conversation
	unsubscribe func()
	joinReqs    []model.JoinRequest

	// syncBusy подавляет повторный вход в SyncMessages: foreground-событие и
	// heartbeat независимы и могут сработать одновременно.
	syncBusy  sync.Mutex
	syncInFly bool

	hbStop chan struct{}
	hbWG   sync.WaitGroup
}

func NewSession(client transport.Client, flow *membership.Workflow, profiles *profile.Cache, opts Options) *Session {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.ResyncWindow <= 0 {
		opts.ResyncWindow = 40
	}
	if opts.JoinRetry <= 0 {
		opts.JoinRetry = 5 * time.Second
	}
	if len(opts.ReactionEmojis) == 0 {
		opts.ReactionEmojis = config.DefaultReactionEmojis
	}
	return &Session{
		client:   client,
		flow:     flow,
		profiles: profiles,
		rec:      NewReconciler(client.InboxID(), reactions.NewSet(opts.ReactionEmojis), profiles),
		opts:     opts,
		state:    model.MembershipUnbound,
	}
}

// Reconciler отдаёт нижележащий reconciler (обработчик Event-конвертов и тесты).
func (s *Session) Reconciler() *Reconciler { return s.rec }

// Initialize разрешает членство и, получив доступ, подключается к разговору:
// сначала полный бэкфил истории со вторым проходом реакций, затем подписка на
// живой поток и heartbeat. Блокируется до доступа или отмены ctx.
func (s *Session) Initialize(ctx context.Context) error {
	if err := s.profiles.Load(ctx); err != nil {
		logger.Errorf("session profile cache load: %v", err)
	}

	res, err := s.flow.Resolve(ctx)
	if err != nil {
		logger.Errorf("session resolve: %v", err)
	}
	if !res.State.Resolved() {
		s.setState(res.State, nil)
		// Одобрение не приходит push'ем: повторяем весь шаг разрешения.
		res, err = s.flow.RunUntilResolved(ctx, s.opts.JoinRetry)
		if err != nil {
			s.setState(res.State, nil)
			return fmt.Errorf("session.Initialize: %w", err)
		}
	}
	s.setState(res.State, res.Conversation)

	if res.State == model.MembershipAdmin {
		s.autoApprove(ctx, res.Conversation)
	}
	return s.connect(ctx, res.Conversation)
}

func (s *Session) setState(st model.MembershipState, conv transport.Conversation) {
	s.mu.Lock()
	s.state = st
	if conv != nil {
		s.conv = conv
	}
	s.mu.Unlock()
}

// autoApprove — фоновая задача админа; её ошибки дренируются в лог и не
// влияют на результат Initialize.
func (s *Session) autoApprove(ctx context.Context, conv transport.Conversation) {
	errCh := s.flow.SpawnAutoApprove(ctx, conv)
	go func() {
		for err := range errCh {
			logger.Errorf("session auto-approve: %v", err)
		}
	}()
}

// connect: история строго до живой подписки, чтобы второй проход реакций
// видел полный стабильный набор и не перемежался с живыми реакциями.
func (s *Session) connect(ctx context.Context, conv transport.Conversation) error {
	s.Disconnect()

	raws, err := conv.History(ctx, s.opts.HistoryLimit)
	if err != nil {
		// Список не трогаем: предыдущее состояние лучше пустого.
		return fmt.Errorf("session.connect history: %w", err)
	}
	s.rec.IngestHistory(raws)

	unsub, err := conv.SubscribeLive(ctx, s.rec.IngestLive)
	if err != nil {
		return fmt.Errorf("session.connect subscribe: %w", err)
	}

	s.mu.Lock()
	s.conv = conv
	s.unsubscribe = unsub
	s.mu.Unlock()

	if s.opts.Heartbeat > 0 {
		s.startHeartbeat()
	}
	logger.Infof("session: connected to %s, %d messages", conv.ID(), len(raws))
	return nil
}

func (s *Session) startHeartbeat() {
	s.mu.Lock()
	if s.hbStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.hbStop = stop
	s.mu.Unlock()

	s.hbWG.Add(1)
	go func() {
		defer s.hbWG.Done()
		ticker := time.NewTicker(s.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := s.SyncMessages(ctx); err != nil {
					logger.Errorf("session heartbeat sync: %v", err)
				}
				cancel()
			}
		}
	}()
}

// Disconnect снимает живую подписку и останавливает heartbeat. Идемпотентен;
// безопасен до первого подключения.
func (s *Session) Disconnect() {
	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	stop := s.hbStop
	s.hbStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.hbWG.Wait()
	}
	if unsub != nil {
		unsub()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.profiles.Flush(ctx); err != nil {
		logger.Errorf("session disconnect flush: %v", err)
	}
}

func (s *Session) conversation() (transport.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conv == nil {
		return nil, fmt.Errorf("session: not connected")
	}
	return s.conv, nil
}

// SendText синхронно добавляет оптимистичную запись и асинхронно шлёт её в
// транспорт. Сбой отправки помечает запись failed; автоповтора нет, повтор —
// действие пользователя.
func (s *Session) SendText(ctx context.Context, body string) (*model.Message, error) {
	conv, err := s.conversation()
	if err != nil {
		return nil, err
	}
	raw, err := envelope.Encode(&envelope.Text{DisplayName: s.opts.DisplayName, Body: body})
	if err != nil {
		return nil, fmt.Errorf("session.SendText: %w", err)
	}
	m := s.rec.AppendLocal(body, s.opts.DisplayName, nil)
	go s.deliver(conv, m.LocalID, raw)
	return m, nil
}

// SendReply — то же для ответа; цитата переносится в конверте, выдерживая
// разделители произвольного текста.
func (s *Session) SendReply(ctx context.Context, target *model.Message, body string) (*model.Message, error) {
	conv, err := s.conversation()
	if err != nil {
		return nil, err
	}
	env := &envelope.Reply{
		DisplayName:       s.opts.DisplayName,
		TargetID:          target.ID,
		TargetSenderID:    target.SenderID,
		TargetDisplayName: target.DisplayName,
		QuotedBody:        target.Body,
		Body:              body,
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("session.SendReply: %w", err)
	}
	preview := &model.ReplyPreview{
		TargetID:          target.ID,
		TargetSenderID:    target.SenderID,
		TargetDisplayName: target.DisplayName,
		Body:              target.Body,
	}
	m := s.rec.AppendLocal(body, s.opts.DisplayName, preview)
	go s.deliver(conv, m.LocalID, raw)
	return m, nil
}

// deliver выполняет сетевую отправку вне вызывающей горутины.
// Порядок завершения относительно живого эха не гарантирован: схлопывание
// идёт по содержимому, не по correlation id.
func (s *Session) deliver(conv transport.Conversation, localID, payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	id, err := conv.Send(ctx, payload)
	if err != nil {
		logger.Errorf("session send local=%s: %v", localID, err)
		s.rec.MarkFailed(localID)
		return
	}
	s.rec.MarkSent(localID, id)
}

// React шлёт переключение эмодзи-реакции. Локально не применяется: состояние
// обновит эхо живого потока, иначе эхо обратило бы локальное применение.
func (s *Session) React(ctx context.Context, emoji, targetID string) error {
	conv, err := s.conversation()
	if err != nil {
		return err
	}
	raw, err := envelope.Encode(&envelope.Reaction{DisplayName: s.opts.DisplayName, Emoji: emoji, TargetID: targetID})
	if err != nil {
		return fmt.Errorf("session.React: %w", err)
	}
	if _, err := conv.Send(ctx, raw); err != nil {
		return fmt.Errorf("session.React: %w", err)
	}
	return nil
}

// StickerReact шлёт переключение стикер-реакции.
func (s *Session) StickerReact(ctx context.Context, stickerURL, targetID string) error {
	conv, err := s.conversation()
	if err != nil {
		return err
	}
	raw, err := envelope.Encode(&envelope.StickerReaction{DisplayName: s.opts.DisplayName, TargetID: targetID, StickerURL: stickerURL})
	if err != nil {
		return fmt.Errorf("session.StickerReact: %w", err)
	}
	if _, err := conv.Send(ctx, raw); err != nil {
		return fmt.Errorf("session.StickerReact: %w", err)
	}
	return nil
}

// BroadcastProfile рассылает обновление профиля и сразу же вливает его в
// локальный кеш: свой UI не должен откатываться к дефолту до круговой доставки.
func (s *Session) BroadcastProfile(ctx context.Context, fields model.ProfileRecord) error {
	conv, err := s.conversation()
	if err != nil {
		return err
	}
	self := s.client.InboxID()
	s.profiles.Put(self, fields)
	env := &envelope.ProfileUpdate{
		SenderID: self,
		Name:     fields.Name, Bio: fields.Bio, Social: fields.Social,
		WalletAddr: fields.WalletAddr, TipAddr: fields.TipAddr, AvatarRef: fields.AvatarRef,
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("session.BroadcastProfile: %w", err)
	}
	if _, err := conv.Send(ctx, raw); err != nil {
		return fmt.Errorf("session.BroadcastProfile: %w", err)
	}
	return nil
}

// BroadcastEvent рассылает непрозрачное событие приложения.
func (s *Session) BroadcastEvent(ctx context.Context, eventJSON string) error {
	conv, err := s.conversation()
	if err != nil {
		return err
	}
	raw, err := envelope.Encode(&envelope.Event{JSON: eventJSON})
	if err != nil {
		return fmt.Errorf("session.BroadcastEvent: %w", err)
	}
	if _, err := conv.Send(ctx, raw); err != nil {
		return fmt.Errorf("session.BroadcastEvent: %w", err)
	}
	return nil
}

// SyncMessages — ресинк окна последних сообщений (heartbeat / возврат из
// фона). Конкурентный повторный вызов отбрасывается, пока один в полёте;
// сбой не трогает текущий список.
func (s *Session) SyncMessages(ctx context.Context) error {
	s.syncBusy.Lock()
	if s.syncInFly {
		s.syncBusy.Unlock()
		return nil
	}
	s.syncInFly = true
	s.syncBusy.Unlock()
	defer func() {
		s.syncBusy.Lock()
		s.syncInFly = false
		s.syncBusy.Unlock()
	}()
	defer logger.DeferLogDuration("Session.SyncMessages", time.Now())()

	conv, err := s.conversation()
	if err != nil {
		return err
	}
	raws, err := conv.History(ctx, s.opts.ResyncWindow)
	if err != nil {
		return fmt.Errorf("session.SyncMessages: %w", err)
	}
	s.rec.SyncMissed(raws)
	return nil
}

// AddMember добавляет участника (действие админа).
func (s *Session) AddMember(ctx context.Context, inboxID string) error {
	conv, err := s.conversation()
	if err != nil {
		return err
	}
	if err := conv.AddMember(ctx, inboxID); err != nil {
		return fmt.Errorf("session.AddMember: %w", err)
	}
	return nil
}

// LoadJoinRequests обновляет и возвращает список ожидающих заявок.
func (s *Session) LoadJoinRequests(ctx context.Context) ([]model.JoinRequest, error) {
	conv, err := s.conversation()
	if err != nil {
		return nil, err
	}
	reqs, err := s.flow.LoadJoinRequests(ctx, conv)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.joinReqs = reqs
	s.mu.Unlock()
	return reqs, nil
}

// ApproveJoinRequest одобряет заявку и убирает её из ожидающих.
func (s *Session) ApproveJoinRequest(ctx context.Context, requesterID string) error {
	if err := s.AddMember(ctx, requesterID); err != nil {
		return err
	}
	s.mu.Lock()
	reqs := s.joinReqs[:0]
	for _, r := range s.joinReqs {
		if r.RequesterID != requesterID {
			reqs = append(reqs, r)
		}
	}
	s.joinReqs = reqs
	s.mu.Unlock()
	return nil
}

// PublishDirectory — ручное восстановление админства (см. Workflow.Recover):
// новый чат, перепубликация каталога, переподключение сессии.
func (s *Session) PublishDirectory(ctx context.Context, credential string) error {
	conv, err := s.flow.Recover(ctx, credential)
	if err != nil {
		return err
	}
	s.setState(model.MembershipAdmin, conv)
	return s.connect(ctx, conv)
}

// Messages — текущий согласованный список (observable).
func (s *Session) Messages() []*model.Message { return s.rec.Messages() }

// MembershipState — текущее состояние членства (observable).
func (s *Session) MembershipState() model.MembershipState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsAdmin — удобный предикат поверх MembershipState.
func (s *Session) IsAdmin() bool {
	return s.MembershipState() == model.MembershipAdmin
}

// PendingJoinRequests — последние загруженные заявки (observable).
func (s *Session) PendingJoinRequests() []model.JoinRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.JoinRequest, len(s.joinReqs))
	copy(out, s.joinReqs)
	return out
}
