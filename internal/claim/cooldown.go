package claim

import (
	"sync"
	"time"
)

// DefaultCooldown - минимальный интервал между отправками SMS-кода
const DefaultCooldown = 60 * time.Second

// CooldownAllows - чистая функция guard'а: отправка разрешена, если предыдущей
// не было или с её момента прошло не меньше interval.
// Возвращает также оставшееся время ожидания.
func CooldownAllows(last time.Time, hasLast bool, now time.Time, interval time.Duration) (bool, time.Duration) {
	if !hasLast {
		return true, 0
	}
	elapsed := now.Sub(last)
	if elapsed >= interval {
		return true, 0
	}
	return false, interval - elapsed
}

// Cooldown хранит момент последней успешной отправки на телефонный канал.
// Живёт ровно столько, сколько поток, которому принадлежит.
type Cooldown struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	hasLast  bool
}

// NewCooldown создает guard с заданным интервалом
func NewCooldown(interval time.Duration) *Cooldown {
	if interval <= 0 {
		interval = DefaultCooldown
	}
	return &Cooldown{interval: interval}
}

// Allow проверяет guard в момент now
func (c *Cooldown) Allow(now time.Time) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CooldownAllows(c.last, c.hasLast, now, c.interval)
}

// Record фиксирует успешную отправку. Вызывается только после успеха телефонного канала.
func (c *Cooldown) Record(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = now
	c.hasLast = true
}

// Remaining возвращает оставшееся время ожидания (0, если отправка разрешена)
func (c *Cooldown) Remaining(now time.Time) time.Duration {
	_, remaining := c.Allow(now)
	return remaining
}
