// Package session is the controller for the couple currently on screen. It
// loads the couple's data, keeps the couple channel open, and applies local
// mutations optimistically.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/finepair/internal/apperr"
	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/broadcast"
	"github.com/dukerupert/finepair/internal/model"
	"github.com/dukerupert/finepair/internal/realtime"
	"github.com/dukerupert/finepair/internal/state"
)

// Relay forwards successful mutations to other local views.
type Relay interface {
	Post(ctx context.Context, typ broadcast.MessageType, payload any) error
}

// ErrNoCouple is returned by mutations when no couple is open.
var ErrNoCouple = errors.New("no couple is open")

type Session struct {
	query    backend.QueryService
	store    *state.Store
	channels *realtime.Manager
	relay    Relay
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	handle  *realtime.Handle
	partner *model.Profile
}

// New wires a session over the given backend. relay may be nil.
func New(query backend.QueryService, rt backend.Realtime, store *state.Store, relay Relay, logger *slog.Logger) *Session {
	logger = logger.With("component", "session")
	s := &Session{
		query:    query,
		store:    store,
		channels: realtime.NewManager(rt, store, realtime.QueryRuleLookup{Query: query}, logger),
		relay:    relay,
		logger:   logger,
	}
	s.channels.OnPartnerRefresh(s.profileChanged)
	return s
}

func (s *Session) Store() *state.Store { return s.store }

// Channels exposes the channel manager for connection status.
func (s *Session) Channels() *realtime.Manager { return s.channels }

// Open makes coupleID the active couple for userID. Any previously open
// couple is closed and local state is reset before loading.
func (s *Session) Open(ctx context.Context, userID, coupleID string) error {
	if userID == "" || coupleID == "" {
		return errors.New("open session: user and couple are required")
	}

	s.mu.Lock()
	prev := s.handle
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.handle = nil
	s.partner = nil
	s.mu.Unlock()

	if prev != nil {
		s.channels.Close(prev)
	}

	s.store.Dispatch(state.ResetState{})
	s.store.Dispatch(state.SetLoading{Loading: true})
	defer s.store.Dispatch(state.SetLoading{Loading: false})

	var (
		user       *model.Profile
		couple     *model.Couple
		rules      []model.Rule
		violations []model.Violation
		rewards    []model.Reward
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		user, err = s.profile(gctx, userID)
		return err
	})
	g.Go(func() error {
		rows, err := s.query.Select(gctx, model.TableCouples, backend.Filter{"id": coupleID})
		if err != nil {
			return fmt.Errorf("load couple: %w", err)
		}
		if len(rows) == 0 {
			return fmt.Errorf("load couple: %w", apperr.New(apperr.CodeNoRows, "couple "+coupleID+" not found"))
		}
		couple, err = decodeRow[model.Couple](rows[0])
		return err
	})
	g.Go(func() error {
		rows, err := s.query.Select(gctx, model.TableRules, backend.Filter{"couple_id": coupleID, "is_active": "true"})
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		rules, err = decodeRows[model.Rule](rows)
		return err
	})
	g.Go(func() error {
		rows, err := s.query.Select(gctx, model.TableViolations, backend.Filter{"couple_id": coupleID})
		if err != nil {
			return fmt.Errorf("load violations: %w", err)
		}
		violations, err = decodeRows[model.Violation](rows)
		return err
	})
	g.Go(func() error {
		rows, err := s.query.Select(gctx, model.TableRewards, backend.Filter{"couple_id": coupleID})
		if err != nil {
			return fmt.Errorf("load rewards: %w", err)
		}
		rewards, err = decodeRows[model.Reward](rows)
		return err
	})
	if err := g.Wait(); err != nil {
		return apperrWrap(err)
	}

	if user == nil {
		user = &model.Profile{ID: userID}
	}
	s.store.Dispatch(state.SetUser{User: user})
	s.store.Dispatch(state.SetCouple{Couple: couple})
	s.store.Dispatch(state.SetRules{Rules: activeOnly(rules)})
	s.store.Dispatch(state.SetViolations{Violations: violations})
	s.store.Dispatch(state.SetRewards{Rewards: rewards})

	if _, err := s.RefreshPartner(ctx); err != nil {
		s.logger.Warn("load partner", "couple_id", coupleID, "error", err)
	}

	h, err := s.channels.Open(ctx, coupleID, userID)
	if err != nil {
		return fmt.Errorf("open couple channel: %w", err)
	}
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	s.logger.Info("session opened", "couple_id", coupleID, "rules", len(rules),
		"violations", len(violations), "rewards", len(rewards))
	return nil
}

// Close releases the couple channel and clears couple state.
func (s *Session) Close() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.partner = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	if h != nil {
		s.channels.Close(h)
	}
	s.store.Dispatch(state.ResetState{})
}

// Partner returns the partner profile, or nil while the couple is
// incomplete or the profile has not been loaded.
func (s *Session) Partner() *model.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partner == nil {
		return nil
	}
	p := *s.partner
	return &p
}

// RefreshPartner re-derives the partner from the current couple and reloads
// their profile. An incomplete couple or a missing profile yields nil
// without error.
func (s *Session) RefreshPartner(ctx context.Context) (*model.Profile, error) {
	snap := s.store.Snapshot()
	if snap.Couple == nil {
		return nil, nil
	}
	partnerID, ok := snap.Couple.PartnerOf(snap.UserID())
	if !ok {
		s.setPartner(nil)
		return nil, nil
	}

	p, err := s.profile(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	s.setPartner(p)
	return p, nil
}

func (s *Session) setPartner(p *model.Profile) {
	s.mu.Lock()
	s.partner = p
	s.mu.Unlock()
}

// profile loads one profile. Absence is not an error.
func (s *Session) profile(ctx context.Context, id string) (*model.Profile, error) {
	rows, err := s.query.Select(ctx, model.TableProfiles, backend.Filter{"id": id})
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", apperrWrap(err))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return decodeRow[model.Profile](rows[0])
}

// profileChanged runs when a profile UPDATE arrives on the couple channel.
func (s *Session) profileChanged(profileID string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	snap := s.store.Snapshot()
	go func() {
		if profileID == snap.UserID() {
			p, err := s.profile(ctx, profileID)
			if err != nil {
				s.logger.Warn("refresh own profile", "error", err)
				return
			}
			if p != nil {
				s.store.Dispatch(state.SetUser{User: p})
			}
			return
		}
		if _, err := s.RefreshPartner(ctx); err != nil {
			s.logger.Warn("refresh partner", "profile_id", profileID, "error", err)
		}
	}()
}

func (s *Session) post(ctx context.Context, typ broadcast.MessageType, payload any) {
	if s.relay == nil {
		return
	}
	if err := s.relay.Post(ctx, typ, payload); err != nil {
		s.logger.Debug("relay mutation", "type", typ, "error", err)
	}
}

func decodeRow[T any](row backend.Row) (*T, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return &v, nil
}

func decodeRows[T any](rows []backend.Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := decodeRow[T](row)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

func activeOnly(rules []model.Rule) []model.Rule {
	out := rules[:0:0]
	for _, r := range rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}

// apperrWrap keeps the message chain of err while guaranteeing an
// *apperr.Error is reachable from it.
func apperrWrap(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Wrap(err)
}
