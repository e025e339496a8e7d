package claim

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

const gateTimeout = 10 * time.Second

// Config содержит настройки потока
type Config struct {
	CountryCode   string
	Cooldown      time.Duration
	PollInterval  time.Duration
	MagicLinkWait time.Duration
	// Now - источник времени; по умолчанию time.Now (с монотонными показаниями)
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.CountryCode == "" {
		c.CountryCode = DefaultCountryCode
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MagicLinkWait <= 0 {
		c.MagicLinkWait = DefaultMagicLinkWait
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Snapshot - состояние потока для слоя представления
type Snapshot struct {
	FlowID               string            `json:"flow_id"`
	LocationID           string            `json:"location_id"`
	State                State             `json:"state"`
	Attempt              *ChallengeAttempt `json:"attempt,omitempty"`
	Message              string            `json:"message,omitempty"`
	MessageKind          string            `json:"message_kind,omitempty"`
	ErrorType            ErrorType         `json:"error_type,omitempty"`
	CooldownRemainingSec int               `json:"cooldown_remaining_sec"`
	MagicLinkDeadline    *time.Time        `json:"magic_link_deadline,omitempty"`
	Authorized           *bool             `json:"authorized,omitempty"`
	AuthorizedVia        Channel           `json:"authorized_via,omitempty"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

type pendingChallenge struct {
	phone string
	email string
}

// Flow - контроллер одного claim-потока: одна локация, одна загрузка страницы.
// Владеет машиной состояний, cooldown'ом и таймером ожидания ссылки.
type Flow struct {
	id         string
	locationID string
	store      RecordStore
	idp        IdentityProvider
	verifier   *Verifier
	gate       *Gate
	cfg        Config
	cooldown   *Cooldown

	ctx    context.Context
	cancel context.CancelFunc

	// opMu сериализует пользовательские операции над потоком
	opMu sync.Mutex

	mu           sync.Mutex
	state        State
	attempt      *ChallengeAttempt
	pending      pendingChallenge
	wait         *waiter
	generation   uint64
	message      string
	messageKind  string
	errorType    ErrorType
	decision     *Decision
	closed       bool
	lastActivity time.Time
	updatedAt    time.Time
	observers    map[int]func(Snapshot)
	nextObserver int
}

// NewFlow создает поток для locationID. Если у провайдера уже есть сессия
// (прошлый визит), поток сразу переходит в Authenticated и заново проверяет права.
func NewFlow(
	ctx context.Context,
	id, locationID string,
	store RecordStore,
	idp IdentityProvider,
	gate *Gate,
	cfg Config,
) (*Flow, error) {
	if locationID == "" {
		return nil, newError(InvalidInputFormat, "No location ID provided.", nil)
	}
	if store == nil || idp == nil || gate == nil {
		return nil, errors.New("record store, identity provider and gate are required")
	}
	cfg = cfg.withDefaults()
	verifier, err := NewVerifier(store, cfg.CountryCode)
	if err != nil {
		return nil, err
	}

	flowCtx, cancel := context.WithCancel(context.Background())
	f := &Flow{
		id:         id,
		locationID: locationID,
		store:      store,
		idp:        idp,
		verifier:   verifier,
		gate:       gate,
		cfg:        cfg,
		cooldown:   NewCooldown(cfg.Cooldown),
		ctx:        flowCtx,
		cancel:     cancel,
		state:      AwaitingSuffix,
		observers:  make(map[int]func(Snapshot)),
	}
	now := cfg.Now()
	f.lastActivity = now
	f.updatedAt = now

	session, err := idp.CurrentSession(ctx)
	if err != nil {
		log.Printf("[ClaimFlow] Не удалось прочитать сессию при открытии потока %s: %v", id, err)
		return f, nil
	}
	if session != nil {
		if err := f.authenticate(ctx, EventSessionRestored); err != nil && !isDecisionError(err) {
			log.Printf("[ClaimFlow] Восстановление сессии для потока %s: %v", id, err)
		}
	}
	return f, nil
}

// ID возвращает идентификатор потока
func (f *Flow) ID() string { return f.id }

// LocationID возвращает локацию потока
func (f *Flow) LocationID() string { return f.locationID }

func (f *Flow) now() time.Time { return f.cfg.Now() }

// State возвращает текущее состояние
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// LastActivity - время последней пользовательской операции
func (f *Flow) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

func (f *Flow) touch() {
	f.mu.Lock()
	f.lastActivity = f.now()
	f.mu.Unlock()
}

// SubmitSuffix - см. Verifier.SubmitSuffix
func (f *Flow) SubmitSuffix(ctx context.Context, suffix string) (ChallengeAttempt, error) {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	f.touch()
	return f.verifier.SubmitSuffix(ctx, f, suffix)
}

// VerifyCode - см. Verifier.VerifyCode
func (f *Flow) VerifyCode(ctx context.Context, code string) error {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	f.touch()
	return f.verifier.VerifyCode(ctx, f, code)
}

// AuthorizeMutation заново проверяет права текущей сессии на локацию потока
func (f *Flow) AuthorizeMutation(ctx context.Context) (Decision, error) {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	f.touch()
	decision, err := f.gate.Authorize(ctx, f.idp, f.locationID)
	f.recordDecision(decision, err)
	return decision, err
}

// Flag читает текущее значение флага has_candy
func (f *Flow) Flag(ctx context.Context) (bool, error) {
	f.touch()
	value, err := f.store.Flag(ctx, f.locationID)
	if err != nil {
		return false, newError(RecordLookupFailed, "Could not load location details", err)
	}
	return value, nil
}

// SetFlag меняет флаг has_candy. Права проверяются перед каждой попыткой.
func (f *Flow) SetFlag(ctx context.Context, value bool) error {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	f.touch()

	decision, err := f.gate.Authorize(ctx, f.idp, f.locationID)
	f.recordDecision(decision, err)
	if err != nil {
		return f.fail(asClaimError(err))
	}
	if err := f.store.SetFlag(ctx, f.locationID, value); err != nil {
		return f.fail(newError(RecordLookupFailed, "Error updating location", err))
	}
	f.succeed("Location updated successfully!")
	return nil
}

// Restart сбрасывает поток к вводу суффикса (единственное действие после истечения ссылки)
func (f *Flow) Restart() error {
	f.opMu.Lock()
	defer f.opMu.Unlock()

	f.mu.Lock()
	next, err := Transition(f.state, EventRestart)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.stopWaiterLocked()
	f.state = next
	f.attempt = nil
	f.pending = pendingChallenge{}
	f.setMessageLocked("", "", "")
	f.lastActivity = f.now()
	snap := f.snapshotLocked()
	f.mu.Unlock()

	f.notify(snap)
	return nil
}

// SignOut завершает сессию у провайдера и возвращает поток к вводу суффикса
func (f *Flow) SignOut(ctx context.Context) error {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	f.touch()

	// Выход возможен только из Authenticated; ожидание ссылки и ввод кода не трогаем.
	// Из Authenticated поток выходит только под opMu, поэтому повторная проверка ниже не расходится.
	if _, err := Transition(f.State(), EventSignedOut); err != nil {
		return err
	}

	if err := f.idp.SignOut(ctx); err != nil {
		return f.fail(newError(ProviderFailed, "Error logging out", err))
	}

	f.mu.Lock()
	next, err := Transition(f.state, EventSignedOut)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.state = next
	f.stopWaiterLocked()
	f.attempt = nil
	f.pending = pendingChallenge{}
	f.decision = nil
	f.setMessageLocked("Logged out successfully!", "success", "")
	snap := f.snapshotLocked()
	f.mu.Unlock()

	f.notify(snap)
	return nil
}

// Foreground - страница снова видима: внеочередная проверка сессии, если ждём ссылку
func (f *Flow) Foreground() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastActivity = f.now()
	if f.wait != nil {
		f.wait.poke()
	}
}

// Close останавливает все таймеры потока (уход со страницы)
func (f *Flow) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.stopWaiterLocked()
	f.observers = make(map[int]func(Snapshot))
	f.mu.Unlock()
	f.cancel()
}

// Done закрывается после Close
func (f *Flow) Done() <-chan struct{} {
	return f.ctx.Done()
}

// Snapshot возвращает текущее состояние для слоя представления
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotLocked()
}

// Subscribe регистрирует наблюдателя изменений. Возвращает функцию отписки.
func (f *Flow) Subscribe(fn func(Snapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextObserver
	f.nextObserver++
	f.observers[id] = fn
	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}
}

// --- внутренние переходы ---

// beginChallenge перепроверяет состояние перед отправкой: пока шла проверка
// суффикса, ожидание ссылки могло завершиться входом.
// Текущее ожидание отменяется только в enterChallenge, после успешной отправки.
func (f *Flow) beginChallenge() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !canChallenge(f.state) {
		_, err := Transition(f.state, EventOtpSent)
		return err
	}
	return nil
}

// Если пока шла отправка ожидание ссылки уже завершилось входом, код больше не нужен:
// поток остаётся в Authenticated, отправка считается успешной.
func (f *Flow) enterChallenge(ev Event, attempt ChallengeAttempt, pending pendingChallenge, message string) error {
	f.mu.Lock()
	if f.state == Authenticated {
		f.attempt = &attempt
		f.mu.Unlock()
		log.Printf("[ClaimFlow] Поток %s вошёл по ссылке во время отправки (%s), новая проверка не нужна", f.id, ev)
		return nil
	}
	next, err := Transition(f.state, ev)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.stopWaiterLocked()
	f.state = next
	f.attempt = &attempt
	f.pending = pending
	f.decision = nil
	f.setMessageLocked(message, "success", "")

	if ev == EventMagicLinkSent && !f.closed {
		gen := f.generation
		f.wait = startWaiter(f.ctx, f.idp, f.cfg.PollInterval, f.cfg.MagicLinkWait, f.cfg.Now,
			func(*Session) { f.onWaiterSession(gen) },
			func() { f.onWaiterExpired(gen) },
		)
	}
	snap := f.snapshotLocked()
	f.mu.Unlock()

	f.notify(snap)
	return nil
}

// authenticate переводит поток в Authenticated и один раз вызывает Session Gate
func (f *Flow) authenticate(ctx context.Context, ev Event) error {
	f.mu.Lock()
	next, err := Transition(f.state, ev)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.stopWaiterLocked()
	f.state = next
	f.pending = pendingChallenge{}
	gen := f.generation
	f.mu.Unlock()

	return f.runGate(ctx, gen)
}

func (f *Flow) onWaiterSession(gen uint64) {
	f.mu.Lock()
	if f.generation != gen || f.closed {
		f.mu.Unlock()
		return
	}
	next, err := Transition(f.state, EventSessionDetected)
	if err != nil {
		f.mu.Unlock()
		return
	}
	f.wait = nil
	f.generation++
	f.state = next
	f.pending = pendingChallenge{}
	gen = f.generation
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(f.ctx, gateTimeout)
	defer cancel()
	if err := f.runGate(ctx, gen); err != nil && !isDecisionError(err) {
		log.Printf("[ClaimFlow] Проверка прав после входа по ссылке (поток %s): %v", f.id, err)
	}
}

func (f *Flow) onWaiterExpired(gen uint64) {
	f.mu.Lock()
	if f.generation != gen || f.closed {
		f.mu.Unlock()
		return
	}
	next, err := Transition(f.state, EventMagicLinkTimedOut)
	if err != nil {
		f.mu.Unlock()
		return
	}
	f.wait = nil
	f.generation++
	f.state = next
	f.pending = pendingChallenge{}
	f.setMessageLocked("The sign-in link has expired. Please start again.", "error", MagicLinkExpired)
	snap := f.snapshotLocked()
	f.mu.Unlock()

	f.notify(snap)
}

// runGate выполняет проверку прав и сохраняет результат, если поток не изменился
func (f *Flow) runGate(ctx context.Context, gen uint64) error {
	decision, err := f.gate.Authorize(ctx, f.idp, f.locationID)

	f.mu.Lock()
	if f.generation != gen {
		f.mu.Unlock()
		return err
	}
	f.applyDecisionLocked(decision, err)
	if err == nil {
		f.setMessageLocked("", "", "")
	}
	snap := f.snapshotLocked()
	f.mu.Unlock()

	f.notify(snap)
	return err
}

func (f *Flow) recordDecision(decision Decision, err error) {
	f.mu.Lock()
	f.applyDecisionLocked(decision, err)
	snap := f.snapshotLocked()
	f.mu.Unlock()
	f.notify(snap)
}

func (f *Flow) applyDecisionLocked(decision Decision, err error) {
	var claimErr *Error
	switch {
	case err == nil:
		d := decision
		f.decision = &d
	case errors.As(err, &claimErr) && claimErr.Type == PermissionDenied:
		f.decision = &Decision{Authorized: false}
		f.setMessageLocked(claimErr.Message, "error", claimErr.Type)
	case errors.As(err, &claimErr):
		f.decision = nil
		f.setMessageLocked(claimErr.Message, "error", claimErr.Type)
	}
}

func (f *Flow) challenge() (State, pendingChallenge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.pending
}

// failAttempt фиксирует неудачную попытку и возвращает ошибку
func (f *Flow) failAttempt(attempt ChallengeAttempt, err *Error) error {
	f.mu.Lock()
	f.attempt = &attempt
	f.mu.Unlock()
	return f.fail(err)
}

func (f *Flow) fail(err *Error) error {
	f.mu.Lock()
	f.setMessageLocked(err.Message, "error", err.Type)
	snap := f.snapshotLocked()
	f.mu.Unlock()
	f.notify(snap)
	return err
}

func (f *Flow) succeed(message string) {
	f.mu.Lock()
	f.setMessageLocked(message, "success", "")
	snap := f.snapshotLocked()
	f.mu.Unlock()
	f.notify(snap)
}

func (f *Flow) setMessageLocked(message, kind string, errType ErrorType) {
	f.message = message
	f.messageKind = kind
	f.errorType = errType
	f.updatedAt = f.now()
}

// stopWaiterLocked гарантирует отмену таймера на любом выходе из ожидания ссылки
func (f *Flow) stopWaiterLocked() {
	if f.wait != nil {
		f.wait.stop()
		f.wait = nil
	}
	f.generation++
}

func (f *Flow) snapshotLocked() Snapshot {
	snap := Snapshot{
		FlowID:               f.id,
		LocationID:           f.locationID,
		State:                f.state,
		Message:              f.message,
		MessageKind:          f.messageKind,
		ErrorType:            f.errorType,
		CooldownRemainingSec: int((f.cooldown.Remaining(f.now()) + time.Second - 1) / time.Second),
		UpdatedAt:            f.updatedAt,
	}
	if f.attempt != nil {
		a := *f.attempt
		snap.Attempt = &a
	}
	if f.wait != nil {
		deadline := f.wait.deadline
		snap.MagicLinkDeadline = &deadline
	}
	if f.decision != nil && f.state == Authenticated {
		authorized := f.decision.Authorized
		snap.Authorized = &authorized
		snap.AuthorizedVia = f.decision.Via
	}
	return snap
}

func (f *Flow) notify(snap Snapshot) {
	f.mu.Lock()
	observers := make([]func(Snapshot), 0, len(f.observers))
	for _, fn := range f.observers {
		observers = append(observers, fn)
	}
	f.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

func asClaimError(err error) *Error {
	var claimErr *Error
	if errors.As(err, &claimErr) {
		return claimErr
	}
	return newError(ProviderFailed, "Unexpected error", err)
}

// isDecisionError - ожидаемый отказ Session Gate, а не сбой
func isDecisionError(err error) bool {
	return IsType(err, PermissionDenied) || IsType(err, NotAuthenticated)
}
