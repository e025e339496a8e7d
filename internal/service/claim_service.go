package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/candy-api/internal/claim"
	apperrors "github.com/yourusername/candy-api/internal/pkg/errors"
)

const (
	defaultFlowIdleTTL     = 30 * time.Minute
	defaultJanitorInterval = time.Minute
)

// ClaimServiceConfig содержит настройки сервиса claim-потоков
type ClaimServiceConfig struct {
	Flow            claim.Config
	FlowIdleTTL     time.Duration
	JanitorInterval time.Duration
	// MaxFlowsPerVisitor ограничивает число открытых потоков одного посетителя (0 - без ограничения)
	MaxFlowsPerVisitor int
}

type flowEntry struct {
	flow      *claim.Flow
	visitorID string
}

// ClaimService хранит активные claim-потоки посетителей
type ClaimService struct {
	store    claim.RecordStore
	identity IdentityBackend
	gate     *claim.Gate
	cfg      ClaimServiceConfig

	mu    sync.RWMutex
	flows map[string]*flowEntry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewClaimService создает сервис
func NewClaimService(store claim.RecordStore, identity IdentityBackend, gate *claim.Gate, cfg ClaimServiceConfig) (*ClaimService, error) {
	if store == nil || identity == nil || gate == nil {
		return nil, errors.New("record store, identity backend and gate are required")
	}
	if cfg.FlowIdleTTL <= 0 {
		cfg.FlowIdleTTL = defaultFlowIdleTTL
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = defaultJanitorInterval
	}
	return &ClaimService{
		store:    store,
		identity: identity,
		gate:     gate,
		cfg:      cfg,
		flows:    make(map[string]*flowEntry),
		stopCh:   make(chan struct{}),
	}, nil
}

// Open открывает новый поток для посетителя и локации
func (s *ClaimService) Open(ctx context.Context, visitorID, locationID string) (*claim.Flow, error) {
	if visitorID == "" {
		return nil, fmt.Errorf("%w: visitor id is required", apperrors.ErrUnauthorized)
	}

	if s.cfg.MaxFlowsPerVisitor > 0 {
		s.evictOldest(visitorID, s.cfg.MaxFlowsPerVisitor-1)
	}

	flowID := uuid.New().String()
	idp := NewVisitorIdentity(s.identity, visitorID)
	flow, err := claim.NewFlow(ctx, flowID, locationID, s.store, idp, s.gate, s.cfg.Flow)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.flows[flowID] = &flowEntry{flow: flow, visitorID: visitorID}
	s.mu.Unlock()

	log.Printf("[ClaimService] Открыт поток %s для локации %s", flowID, locationID)
	return flow, nil
}

// Get возвращает поток, принадлежащий посетителю
func (s *ClaimService) Get(flowID, visitorID string) (*claim.Flow, error) {
	s.mu.RLock()
	entry, ok := s.flows[flowID]
	s.mu.RUnlock()
	if !ok || entry.visitorID != visitorID {
		return nil, fmt.Errorf("%w: flow %s", apperrors.ErrNotFound, flowID)
	}
	return entry.flow, nil
}

// Close закрывает поток посетителя
func (s *ClaimService) Close(flowID, visitorID string) error {
	s.mu.Lock()
	entry, ok := s.flows[flowID]
	if !ok || entry.visitorID != visitorID {
		s.mu.Unlock()
		return fmt.Errorf("%w: flow %s", apperrors.ErrNotFound, flowID)
	}
	delete(s.flows, flowID)
	s.mu.Unlock()

	entry.flow.Close()
	log.Printf("[ClaimService] Поток %s закрыт посетителем", flowID)
	return nil
}

// Count возвращает число активных потоков
func (s *ClaimService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flows)
}

// evictOldest оставляет не больше keep потоков посетителя, закрывая самые давние
func (s *ClaimService) evictOldest(visitorID string, keep int) {
	s.mu.Lock()
	var owned []*flowEntry
	for _, e := range s.flows {
		if e.visitorID == visitorID {
			owned = append(owned, e)
		}
	}
	var evicted []*claim.Flow
	for len(owned) > keep && len(owned) > 0 {
		oldest := 0
		for i := range owned {
			if owned[i].flow.LastActivity().Before(owned[oldest].flow.LastActivity()) {
				oldest = i
			}
		}
		evicted = append(evicted, owned[oldest].flow)
		delete(s.flows, owned[oldest].flow.ID())
		owned = append(owned[:oldest], owned[oldest+1:]...)
	}
	s.mu.Unlock()

	for _, f := range evicted {
		f.Close()
		log.Printf("[ClaimService] Поток %s вытеснен новым потоком посетителя", f.ID())
	}
}

// StartJanitor периодически закрывает потоки без активности дольше FlowIdleTTL
func (s *ClaimService) StartJanitor() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.SweepIdle(s.now()); n > 0 {
					log.Printf("[ClaimService] Закрыто неактивных потоков: %d", n)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// SweepIdle закрывает потоки, неактивные на момент now, и возвращает их число
func (s *ClaimService) SweepIdle(now time.Time) int {
	s.mu.Lock()
	var idle []*claim.Flow
	for id, e := range s.flows {
		if now.Sub(e.flow.LastActivity()) >= s.cfg.FlowIdleTTL {
			idle = append(idle, e.flow)
			delete(s.flows, id)
		}
	}
	s.mu.Unlock()

	for _, f := range idle {
		f.Close()
	}
	return len(idle)
}

// Shutdown останавливает janitor и закрывает все потоки
func (s *ClaimService) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.mu.Lock()
	flows := s.flows
	s.flows = make(map[string]*flowEntry)
	s.mu.Unlock()

	for _, e := range flows {
		e.flow.Close()
	}
	log.Printf("[ClaimService] Остановлен, закрыто потоков: %d", len(flows))
}

func (s *ClaimService) now() time.Time {
	if s.cfg.Flow.Now != nil {
		return s.cfg.Flow.Now()
	}
	return time.Now()
}
