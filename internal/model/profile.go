package model

// ProfileRecord — публичные данные участника, собираемые из profile-рассылок.
// Поля сливаются по одному: пустое значение никогда не затирает известное
// непустое (last-good-value-wins, не last-write-wins).
type ProfileRecord struct {
	SenderID   string `json:"sender_id"`
	Name       string `json:"name,omitempty"`
	Bio        string `json:"bio,omitempty"`
	Social     string `json:"social,omitempty"`
	WalletAddr string `json:"wallet_addr,omitempty"`
	TipAddr    string `json:"tip_addr,omitempty"`
	AvatarRef  string `json:"avatar_ref,omitempty"`
}

// Merge вливает непустые поля partial в r. Возвращает true, если что-то изменилось.
func (r *ProfileRecord) Merge(partial ProfileRecord) bool {
	changed := false
	merge := func(dst *string, src string) {
		if src != "" && *dst != src {
			*dst = src
			changed = true
		}
	}
	merge(&r.Name, partial.Name)
	merge(&r.Bio, partial.Bio)
	merge(&r.Social, partial.Social)
	merge(&r.WalletAddr, partial.WalletAddr)
	merge(&r.TipAddr, partial.TipAddr)
	merge(&r.AvatarRef, partial.AvatarRef)
	return changed
}
