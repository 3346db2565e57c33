// Package memory is an in-process credential store used in development
// mode and by engine tests. It keeps the same atomicity guarantees as the
// PostgreSQL store by holding one lock per operation.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"codecanvas.io/internal/auth"
	"codecanvas.io/internal/entitlement"
	"codecanvas.io/internal/ids"
)

// Fault injection points.
const (
	OpGetUser       = "get_user"
	OpUpsertUser    = "upsert_user"
	OpInsertExch    = "insert_exchange"
	OpGetExch       = "get_exchange"
	OpUpdateExch    = "update_exchange"
	OpRevokeTokens  = "revoke_tokens"
	OpInsertToken   = "insert_token"
	OpGetToken      = "get_token"
	OpTouchToken    = "touch_token"
	OpGetSession    = "get_session"
	OpReplaceSess   = "replace_session"
	OpGetSeat       = "get_seat"
	OpGetSub        = "get_subscription"
	OpSweep         = "sweep"
	OpConsume       = "consume"
	OpReviseSeat    = "revise_seat"
	OpCreateSession = "create_session"
)

// Store implements every store interface of the auth and entitlement engines.
type Store struct {
	mu sync.Mutex

	users     map[string]auth.User
	exchanges map[string]auth.ExchangeRecord
	tokens    map[string]*auth.ExtensionToken // by id
	sessions  map[string]auth.Session
	seats     map[string]*entitlement.Seat // by id
	subs      map[string]*entitlement.Subscription
	faults    map[string][]error
}

var (
	_ auth.UserStore           = (*Store)(nil)
	_ auth.ExchangeStore       = (*Store)(nil)
	_ auth.ExtensionTokenStore = (*Store)(nil)
	_ auth.SessionStore        = (*Store)(nil)
	_ entitlement.Store        = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:     make(map[string]auth.User),
		exchanges: make(map[string]auth.ExchangeRecord),
		tokens:    make(map[string]*auth.ExtensionToken),
		sessions:  make(map[string]auth.Session),
		seats:     make(map[string]*entitlement.Seat),
		subs:      make(map[string]*entitlement.Subscription),
		faults:    make(map[string][]error),
	}
}

// Fail makes the next call of op return err. Calls queue up.
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

func (s *Store) fault(op string) error {
	q := s.faults[op]
	if len(q) == 0 {
		return nil
	}
	s.faults[op] = q[1:]
	return q[0]
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// --- users ---

func (s *Store) GetUserByIdentity(ctx context.Context, identity string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpGetUser); err != nil {
		return auth.User{}, err
	}
	u, ok := s.users[identity]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (s *Store) UpsertUser(ctx context.Context, identity string, hints auth.ProfileHints, now time.Time) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpUpsertUser); err != nil {
		return auth.User{}, err
	}
	u, ok := s.users[identity]
	if !ok {
		u = auth.User{Identity: identity, PlanType: "free", CreatedAt: now}
	}
	if u.Email == "" {
		u.Email = hints.Email
	}
	if u.Username == "" {
		u.Username = hints.Username
	}
	u.UpdatedAt = now
	s.users[identity] = u
	return u, nil
}

// PutUser seeds a user record.
func (s *Store) PutUser(u auth.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Identity] = u
}

// --- exchanges ---

func (s *Store) InsertOAuthExchange(ctx context.Context, rec auth.ExchangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpInsertExch); err != nil {
		return err
	}
	if _, ok := s.exchanges[rec.State]; ok {
		return auth.ErrConflict
	}
	s.exchanges[rec.State] = rec
	return nil
}

func (s *Store) GetOAuthExchangeByStateAndRedirect(ctx context.Context, state, redirectURI string, now time.Time) (auth.ExchangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpGetExch); err != nil {
		return auth.ExchangeRecord{}, err
	}
	rec, ok := s.exchanges[state]
	if !ok || rec.RedirectURI != redirectURI || rec.Expired(now) {
		return auth.ExchangeRecord{}, auth.ErrNotFound
	}
	return rec, nil
}

func (s *Store) GetOAuthExchange(ctx context.Context, state string) (auth.ExchangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpGetExch); err != nil {
		return auth.ExchangeRecord{}, err
	}
	rec, ok := s.exchanges[state]
	if !ok {
		return auth.ExchangeRecord{}, auth.ErrNotFound
	}
	return rec, nil
}

func (s *Store) UpdateOAuthExchange(ctx context.Context, state string, upd auth.ExchangeUpdate, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpUpdateExch); err != nil {
		return err
	}
	rec, ok := s.exchanges[state]
	if !ok || rec.Expired(now) {
		return auth.ErrNotFound
	}
	if upd.Identity != nil {
		rec.Identity = *upd.Identity
	}
	if upd.AuthorizationCode != nil {
		rec.AuthorizationCode = *upd.AuthorizationCode
	}
	s.exchanges[state] = rec
	return nil
}

func (s *Store) ConsumeOAuthExchange(ctx context.Context, state, redirectURI string, now time.Time) (auth.ExchangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.exchanges[state]
	if !ok || rec.RedirectURI != redirectURI || rec.Expired(now) {
		return auth.ExchangeRecord{}, auth.ErrNotFound
	}
	delete(s.exchanges, state)
	return rec, nil
}

func (s *Store) DeleteOAuthExchange(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.exchanges, state)
	return nil
}

func (s *Store) PurgeExpiredExchanges(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for state, rec := range s.exchanges {
		if rec.Expired(now) {
			delete(s.exchanges, state)
			n++
		}
	}
	return n, nil
}

// --- extension tokens ---

func (s *Store) IssueExtensionToken(ctx context.Context, tok auth.ExtensionToken, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpRevokeTokens); err != nil {
		return 0, fmt.Errorf("%w: %w", auth.ErrRevocationFailed, err)
	}
	if err := s.fault(OpInsertToken); err != nil {
		return 0, err
	}
	for _, t := range s.tokens {
		if t.TokenHash == tok.TokenHash {
			return 0, auth.ErrConflict
		}
	}
	revoked := s.revokeAllLocked(tok.Identity, now)
	rec := tok
	s.tokens[rec.ID] = &rec
	return revoked, nil
}

func (s *Store) RevokeExtensionTokensForUser(ctx context.Context, identity string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpRevokeTokens); err != nil {
		return 0, err
	}
	return s.revokeAllLocked(identity, now), nil
}

func (s *Store) revokeAllLocked(identity string, now time.Time) int64 {
	var n int64
	for _, t := range s.tokens {
		if t.Identity == identity && t.RevokedAt == nil {
			at := now
			t.RevokedAt = &at
			n++
		}
	}
	return n
}

func (s *Store) RevokeExtensionTokenByHash(ctx context.Context, identity, hash string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpRevokeTokens); err != nil {
		return 0, err
	}
	for _, t := range s.tokens {
		if t.TokenHash == hash && t.Identity == identity && t.RevokedAt == nil {
			at := now
			t.RevokedAt = &at
			return 1, nil
		}
	}
	return 0, nil
}

func (s *Store) GetExtensionTokenByHash(ctx context.Context, hash string) (auth.ExtensionToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpGetToken); err != nil {
		return auth.ExtensionToken{}, err
	}
	for _, t := range s.tokens {
		if t.TokenHash == hash {
			return *t, nil
		}
	}
	return auth.ExtensionToken{}, auth.ErrNotFound
}

func (s *Store) TouchLastUsed(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpTouchToken); err != nil {
		return err
	}
	t, ok := s.tokens[id]
	if !ok {
		return auth.ErrNotFound
	}
	at := now
	t.LastUsedAt = &at
	return nil
}

// ExtensionTokens returns a copy of every token record of identity, oldest first.
func (s *Store) ExtensionTokens(identity string) []auth.ExtensionToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.ExtensionToken
	for _, t := range s.tokens {
		if t.Identity == identity {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpCreateSession); err != nil {
		return err
	}
	if _, ok := s.sessions[sess.ID]; ok {
		return auth.ErrConflict
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string, now time.Time) (auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpGetSession); err != nil {
		return auth.Session{}, err
	}
	sess, ok := s.sessions[id]
	if !ok || !now.Before(sess.ExpiresAt) {
		return auth.Session{}, auth.ErrNotFound
	}
	return sess, nil
}

func (s *Store) ReplaceSession(ctx context.Context, oldID, refreshHash string, next auth.Session, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpReplaceSess); err != nil {
		return err
	}
	cur, ok := s.sessions[oldID]
	if !ok || cur.RefreshHash != refreshHash || !now.Before(cur.ExpiresAt) {
		return auth.ErrNotFound
	}
	delete(s.sessions, oldID)
	s.sessions[next.ID] = next
	return nil
}

func (s *Store) DeleteSessionsForIdentity(ctx context.Context, identity string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sess := range s.sessions {
		if sess.Identity == identity {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// --- seats and subscriptions ---

// PutSubscription seeds a subscription.
func (s *Store) PutSubscription(sub entitlement.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sub
	s.subs[sub.ID] = &cp
}

// Subscription returns a copy of a seeded subscription.
func (s *Store) Subscription(id string) (entitlement.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return entitlement.Subscription{}, false
	}
	return *sub, true
}

// PutSeat seeds a seat, assigning an id when empty.
func (s *Store) PutSeat(seat entitlement.Seat) entitlement.Seat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seat.ID == "" {
		seat.ID = ids.New()
	}
	if seat.Status == "" {
		seat.Status = entitlement.SeatActive
	}
	cp := seat
	s.seats[seat.ID] = &cp
	return seat
}

func (s *Store) GetActiveSeat(ctx context.Context, orgID, identity string, now time.Time) (entitlement.Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpGetSeat); err != nil {
		return entitlement.Seat{}, err
	}
	for _, seat := range s.seats {
		if seat.OrgID != orgID || seat.Identity != identity || seat.Status != entitlement.SeatActive {
			continue
		}
		if seat.ExpiresAt != nil && !now.Before(*seat.ExpiresAt) {
			continue
		}
		return *seat, nil
	}
	return entitlement.Seat{}, entitlement.ErrNotFound
}

func (s *Store) ListSeatsForOrg(ctx context.Context, orgID string) ([]entitlement.Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entitlement.Seat
	for _, seat := range s.seats {
		if seat.OrgID == orgID {
			out = append(out, *seat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ReviseSeatStatus(ctx context.Context, orgID, identity string, rev entitlement.SeatRevision) (entitlement.Seat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpReviseSeat); err != nil {
		return entitlement.Seat{}, err
	}
	for _, seat := range s.seats {
		if seat.OrgID != orgID || seat.Identity != identity || seat.Status != entitlement.SeatActive {
			continue
		}
		s.revokeSeatLocked(seat, rev.Reason, rev.At)
		seat.RevokedBy = rev.RevokedBy
		return *seat, nil
	}
	return entitlement.Seat{}, entitlement.ErrNotFound
}

func (s *Store) SweepExpiredSeats(ctx context.Context, now time.Time) (entitlement.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpSweep); err != nil {
		return entitlement.SweepResult{}, err
	}
	var res entitlement.SweepResult
	touched := make(map[string]struct{})
	for _, seat := range s.seats {
		if seat.Status != entitlement.SeatActive || seat.ExpiresAt == nil || now.Before(*seat.ExpiresAt) {
			continue
		}
		if s.revokeSeatLocked(seat, entitlement.ReasonExpired, now) {
			touched[seat.SubscriptionID] = struct{}{}
		}
		res.SeatsRevoked++
	}
	res.SubscriptionsUpdated = int64(len(touched))
	return res, nil
}

// revokeSeatLocked reports whether a subscription counter was decremented.
func (s *Store) revokeSeatLocked(seat *entitlement.Seat, reason string, at time.Time) bool {
	t := at
	seat.Status = entitlement.SeatRevoked
	seat.RevokedAt = &t
	seat.RevocationReason = reason
	sub, ok := s.subs[seat.SubscriptionID]
	if !ok {
		return false
	}
	if sub.SeatsUsed > 0 {
		sub.SeatsUsed--
	}
	return true
}

func (s *Store) GetSubscriptionForSeat(ctx context.Context, seat entitlement.Seat) (entitlement.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpGetSub); err != nil {
		return entitlement.Subscription{}, err
	}
	if seat.SubscriptionID != "" {
		if sub, ok := s.subs[seat.SubscriptionID]; ok && usable(sub.Status) {
			return *sub, nil
		}
		return entitlement.Subscription{}, entitlement.ErrNotFound
	}
	for _, sub := range s.subs {
		if sub.OrgID == seat.OrgID && usable(sub.Status) {
			return *sub, nil
		}
	}
	return entitlement.Subscription{}, entitlement.ErrNotFound
}

func (s *Store) ConsumeCredits(ctx context.Context, subscriptionID string, amount int64) (entitlement.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpConsume); err != nil {
		return entitlement.Subscription{}, err
	}
	sub, ok := s.subs[subscriptionID]
	if !ok || !usable(sub.Status) {
		return entitlement.Subscription{}, entitlement.ErrNotFound
	}
	if sub.UsedCredits+amount > sub.TotalCredits {
		return entitlement.Subscription{}, entitlement.ErrInsufficientCredits
	}
	sub.UsedCredits += amount
	return *sub, nil
}

func (s *Store) GetUserCredits(ctx context.Context, identity string) (entitlement.UserCredits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[identity]
	if !ok {
		return entitlement.UserCredits{}, entitlement.ErrNotFound
	}
	return entitlement.UserCredits{Identity: u.Identity, PlanType: u.PlanType, Credits: u.Credits}, nil
}

func usable(status string) bool {
	return status == "active" || status == "trialing"
}
