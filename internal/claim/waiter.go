package claim

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	// DefaultPollInterval - периодичность опроса сессии при ожидании magic link
	DefaultPollInterval = 2 * time.Second
	// DefaultMagicLinkWait - сколько ждём переход по ссылке
	DefaultMagicLinkWait = 300 * time.Second

	sessionQueryTimeout = 5 * time.Second
)

// waiter опрашивает провайдера, пока пользователь не перейдёт по ссылке из письма.
// Каждый экземпляр привязан к одному поколению потока; отменённый waiter
// не может изменить состояние потока.
type waiter struct {
	idp          IdentityProvider
	pollInterval time.Duration
	startedAt    time.Time
	deadline     time.Time
	nowF         func() time.Time

	onSession func(*Session)
	onExpired func()

	cancel    context.CancelFunc
	nudge     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func startWaiter(
	parent context.Context,
	idp IdentityProvider,
	pollInterval, timeout time.Duration,
	nowF func() time.Time,
	onSession func(*Session),
	onExpired func(),
) *waiter {
	ctx, cancel := context.WithCancel(parent)
	now := nowF()
	w := &waiter{
		idp:          idp,
		pollInterval: pollInterval,
		startedAt:    now,
		deadline:     now.Add(timeout),
		nowF:         nowF,
		onSession:    onSession,
		onExpired:    onExpired,
		cancel:       cancel,
		nudge:        make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go w.run(ctx, timeout)
	return w
}

func (w *waiter) run(ctx context.Context, timeout time.Duration) {
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	expiry := time.NewTimer(timeout)
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-expiry.C:
			w.expire(ctx)
			return
		case <-ticker.C:
			if w.check(ctx) {
				return
			}
		case <-w.nudge:
			if w.check(ctx) {
				return
			}
		}
	}
}

// check выполняет один запрос сессии. Возвращает true, если ожидание завершено.
func (w *waiter) check(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if !w.nowF().Before(w.deadline) {
		w.expire(ctx)
		return true
	}

	queryCtx, cancel := context.WithTimeout(ctx, sessionQueryTimeout)
	session, err := w.idp.CurrentSession(queryCtx)
	cancel()
	if err != nil {
		log.Printf("[MagicLinkWaiter] Ошибка опроса сессии: %v", err)
		return false
	}
	if session == nil || ctx.Err() != nil {
		return ctx.Err() != nil
	}

	w.onSession(session)
	return true
}

func (w *waiter) expire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	w.onExpired()
}

// poke запрашивает внеочередную проверку сессии (вкладка снова видима)
func (w *waiter) poke() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// stop отменяет таймер. Не ждёт завершения горутины, чтобы не блокироваться
// на обработчике, который сам ждёт блокировку потока.
func (w *waiter) stop() {
	w.closeOnce.Do(w.cancel)
}
