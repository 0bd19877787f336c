package storage

import "context"

// Ключи локального KV-хранилища узла.
const (
	// KeyJoinRequestSent — флаг «join-запрос уже отправлялся с этой установки».
	KeyJoinRequestSent = "join_request_sent"
	// KeyIsAdmin — кеш «я админ». Оптимизация: источник истины — каталог.
	KeyIsAdmin = "is_admin"
	// KeyProfileCache — сериализованный кеш профилей участников.
	KeyProfileCache = "profile_cache"
	// KeyDeviceIdentity — идентификатор устройства для повторного входа в тот же чат.
	KeyDeviceIdentity = "device_identity"
)

// KV — локальное key-value хранилище устройства.
// Реализации: file.Client (по умолчанию), memory.Client (тесты), redis.Client.
type KV interface {
	// Get возвращает "" без ошибки, если ключа нет.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
