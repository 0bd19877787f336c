package model

// MembershipState — состояние локального устройства относительно общего чата.
type MembershipState string

const (
	// MembershipUnbound — каталог ещё не прочитан.
	MembershipUnbound MembershipState = "unbound"
	// MembershipRequestSent — join-запрос отправлен в этой сессии.
	MembershipRequestSent MembershipState = "request_sent"
	// MembershipPendingApproval — запрос отправлен ранее, ждём одобрения админа.
	MembershipPendingApproval MembershipState = "pending_approval"
	MembershipMember          MembershipState = "member"
	MembershipAdmin           MembershipState = "admin"
)

// Resolved сообщает, что устройство имеет доступ к чату.
func (s MembershipState) Resolved() bool {
	return s == MembershipMember || s == MembershipAdmin
}

// DirectoryRecord — публичная запись каталога: какой общий чат существует и кто
// его админ. Глобально одна; пишется только текущим админом.
type DirectoryRecord struct {
	GlobalGroupID string `json:"globalGroupId"`
	AdminInboxID  string `json:"adminInboxId"`
}

// Empty — каталог ещё не инициализирован (чата нет).
func (r DirectoryRecord) Empty() bool { return r.GlobalGroupID == "" }

// JoinRequest — заявка на вступление, полученная админом в личные сообщения.
type JoinRequest struct {
	RequesterID string `json:"requester_id"`
	DisplayName string `json:"display_name,omitempty"`
}
