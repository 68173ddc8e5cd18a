package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cuemby/strata/internal/config"
	"github.com/cuemby/strata/internal/errs"
	"github.com/cuemby/strata/internal/log"
	"github.com/cuemby/strata/internal/metrics"
	"github.com/cuemby/strata/internal/schema"
	"github.com/cuemby/strata/internal/txstore"
)

const minPasswordLength = 8

// job is one piece of work submitted to the actor's mailbox. Serializing
// every mutation through a single goroutine is what makes register/approve/
// change_password safe without any lock on the tables themselves — the
// mailbox is the lock, same shape as pkg/events.Broker's run loop.
type job struct {
	fn   func(ctx context.Context) (any, error)
	done chan result
}

type result struct {
	val any
	err error
}

// Actor is the single writer for the users and sessions tables.
type Actor struct {
	store   *txstore.Store
	cfg     config.StoreConfig
	mailbox chan job
	stopCh  chan struct{}
}

// NewActor starts the auth actor's mailbox loop over store.
func NewActor(store *txstore.Store, cfg config.StoreConfig) *Actor {
	a := &Actor{store: store, cfg: cfg, mailbox: make(chan job, 64), stopCh: make(chan struct{})}
	go a.run()
	return a
}

// Stop drains no further messages and exits the actor's goroutine.
func (a *Actor) Stop() { close(a.stopCh) }

func (a *Actor) run() {
	logger := log.WithActor("auth")
	logger.Info().Msg("auth actor started")
	for {
		select {
		case j := <-a.mailbox:
			metrics.ActorMailboxDepth.WithLabelValues("auth").Set(float64(len(a.mailbox)))
			val, err := j.fn(context.Background())
			j.done <- result{val: val, err: err}
		case <-a.stopCh:
			logger.Info().Msg("auth actor stopped")
			return
		}
	}
}

func (a *Actor) submit(ctx context.Context, kind string, fn func(ctx context.Context) (any, error)) (any, error) {
	metrics.ActorMessagesTotal.WithLabelValues("auth", kind).Inc()
	done := make(chan result, 1)
	select {
	case a.mailbox <- job{fn: fn, done: done}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Register creates a new, pending-approval user. It returns
// errs.AlreadyExists if the username or email is already registered and
// errs.AuthWeakPassword if password is too short.
func (a *Actor) Register(ctx context.Context, email, username, password, firstName, lastName string) (UserRecord, error) {
	v, err := a.submit(ctx, "register", func(ctx context.Context) (any, error) {
		if len(password) < minPasswordLength {
			return nil, errs.New(errs.AuthWeakPassword, "auth.Register", nil)
		}
		if _, err := a.findByUsername(ctx, username); err != nil && !errs.Is(err, errs.NotFound) {
			return nil, err
		} else if err == nil {
			return nil, errs.New(errs.AlreadyExists, "auth.Register", nil)
		}
		existing, err := a.findByEmail(ctx, email)
		if err != nil && !errs.Is(err, errs.NotFound) {
			return nil, err
		}
		if err == nil && existing.UserID != "" {
			return nil, errs.New(errs.AlreadyExists, "auth.Register", nil)
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, errs.New(errs.Internal, "auth.Register", err)
		}

		rec := UserRecord{
			UserID:           uuid.NewString(),
			Username:         username,
			Email:            email,
			PasswordHash:     string(hash),
			Role:             RolePending,
			SubscriptionTier: TierFree,
			FirstName:        firstName,
			LastName:         lastName,
			IsActive:         false,
			CreatedAt:        time.Now(),
		}
		if _, err := a.store.Append(ctx, schema.TableUsers, schema.Batch{userToRow(rec)}); err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		return UserRecord{}, err
	}
	return v.(UserRecord), nil
}

// Login verifies credentials for an approved, active user and mints a new
// session, returning the bearer token (never stored in cleartext) and the
// user record. rememberMe selects a 30-day session instead of the
// configured default (§4.4: "issues a signed bearer token with expiry of 7
// or 30 days").
func (a *Actor) Login(ctx context.Context, username, password string, rememberMe bool) (string, UserRecord, error) {
	v, err := a.submit(ctx, "login", func(ctx context.Context) (any, error) {
		rec, err := a.findByUsername(ctx, username)
		if err != nil {
			return nil, err
		}
		if !rec.IsActive || rec.Role == RolePending || rec.Role == RoleDisabled {
			return nil, errs.New(errs.AuthDisabled, "auth.Login", nil)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
			return nil, errs.New(errs.AuthInvalidCredentials, "auth.Login", nil)
		}

		token, session, err := a.mintSession(rec, rememberMe)
		if err != nil {
			return nil, err
		}
		if _, err := a.store.Append(ctx, schema.TableSessions, schema.Batch{sessionToRow(session)}); err != nil {
			return nil, err
		}

		now := time.Now()
		rec.LastLogin = &now
		if err := a.replaceUser(ctx, rec); err != nil {
			return nil, err
		}
		return loginResult{token: token, rec: rec}, nil
	})
	if err != nil {
		return "", UserRecord{}, err
	}
	lr := v.(loginResult)
	return lr.token, lr.rec, nil
}

type loginResult struct {
	token string
	rec   UserRecord
}

// VerifyToken checks a bearer token's signature, expiry, and live (not
// revoked, not expired) session, and returns its claims.
func (a *Actor) VerifyToken(ctx context.Context, token string) (JwtClaims, error) {
	v, err := a.submit(ctx, "verify_token", func(ctx context.Context) (any, error) {
		claims, err := a.parseToken(token)
		if err != nil {
			return nil, err
		}
		hash := hashToken(token)
		rows, err := a.store.Query(ctx, schema.TableSessions, fmt.Sprintf("token_hash = '%s'", hash))
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, errs.New(errs.AuthTokenInvalid, "auth.VerifyToken", nil)
		}
		sess := rowToSession(rows[0])
		if sess.IsRevoked || time.Now().After(sess.ExpiresAt) {
			return nil, errs.New(errs.AuthTokenInvalid, "auth.VerifyToken", nil)
		}
		return claims, nil
	})
	if err != nil {
		return JwtClaims{}, err
	}
	return v.(JwtClaims), nil
}

// Logout revokes the session backing token.
func (a *Actor) Logout(ctx context.Context, token string) error {
	_, err := a.submit(ctx, "logout", func(ctx context.Context) (any, error) {
		hash := hashToken(token)
		rows, err := a.store.Query(ctx, schema.TableSessions, fmt.Sprintf("token_hash = '%s'", hash))
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil // already gone; logout is idempotent
		}
		sess := rowToSession(rows[0])
		sess.IsRevoked = true
		pred, err := txstore.ParsePredicate(fmt.Sprintf("token_hash = '%s'", hash))
		if err != nil {
			return nil, err
		}
		if _, err := a.store.Delete(ctx, schema.TableSessions, pred); err != nil {
			return nil, err
		}
		if _, err := a.store.Append(ctx, schema.TableSessions, schema.Batch{sessionToRow(sess)}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

// ApproveUser promotes a pending user to tier's default role (§4.4).
//
// Bug fix: approval must never touch password_hash. The row is read in
// full from the store and only role/tier/is_active are changed before the
// replace-write, so the hash that survives is always the one the user
// registered with — the original source's partial code path re-appended
// the user record on approval without carrying the hash forward; this
// reads the full record first so there is nothing to lose.
func (a *Actor) ApproveUser(ctx context.Context, userID string, tier SubscriptionTier) (UserRecord, error) {
	v, err := a.submit(ctx, "approve_user", func(ctx context.Context) (any, error) {
		rec, err := a.findByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		originalHash := rec.PasswordHash
		rec.Role = tier.DefaultRole()
		rec.SubscriptionTier = tier
		rec.IsActive = true
		rec.PasswordHash = originalHash
		if err := a.replaceUser(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		return UserRecord{}, err
	}
	return v.(UserRecord), nil
}

// RejectUser deletes a pending user's record outright.
func (a *Actor) RejectUser(ctx context.Context, userID string) error {
	_, err := a.submit(ctx, "reject_user", func(ctx context.Context) (any, error) {
		pred, err := txstore.ParsePredicate(fmt.Sprintf("user_id = '%s'", userID))
		if err != nil {
			return nil, err
		}
		_, err = a.store.Delete(ctx, schema.TableUsers, pred)
		return nil, err
	})
	return err
}

// GetPendingUsers returns every user awaiting approval.
func (a *Actor) GetPendingUsers(ctx context.Context) ([]UserRecord, error) {
	v, err := a.submit(ctx, "get_pending_users", func(ctx context.Context) (any, error) {
		rows, err := a.store.Query(ctx, schema.TableUsers, fmt.Sprintf("role = '%s'", RolePending))
		if err != nil {
			return nil, err
		}
		return rowsToUsers(rows), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]UserRecord), nil
}

// GetUser returns a single user by id.
func (a *Actor) GetUser(ctx context.Context, userID string) (UserRecord, error) {
	v, err := a.submit(ctx, "get_user", func(ctx context.Context) (any, error) {
		return a.findByID(ctx, userID)
	})
	if err != nil {
		return UserRecord{}, err
	}
	return v.(UserRecord), nil
}

// GetAllUsers returns every user record.
func (a *Actor) GetAllUsers(ctx context.Context) ([]UserRecord, error) {
	v, err := a.submit(ctx, "get_all_users", func(ctx context.Context) (any, error) {
		rows, err := a.store.Scan(ctx, schema.TableUsers)
		if err != nil {
			return nil, err
		}
		return rowsToUsers(rows), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]UserRecord), nil
}

// ChangePassword verifies oldPassword and replaces the stored hash.
func (a *Actor) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	_, err := a.submit(ctx, "change_password", func(ctx context.Context) (any, error) {
		if len(newPassword) < minPasswordLength {
			return nil, errs.New(errs.AuthWeakPassword, "auth.ChangePassword", nil)
		}
		rec, err := a.findByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(oldPassword)); err != nil {
			return nil, errs.New(errs.AuthInvalidCredentials, "auth.ChangePassword", nil)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, errs.New(errs.Internal, "auth.ChangePassword", err)
		}
		rec.PasswordHash = string(hash)
		return nil, a.replaceUser(ctx, rec)
	})
	return err
}

// GDPRDelete purges every row keyed to userID across every domain table and
// follows with an enforced, zero-retention vacuum on each, per the
// right-to-erasure contract (§ supplemented features).
func (a *Actor) GDPRDelete(ctx context.Context, userID string) error {
	_, err := a.submit(ctx, "gdpr_delete", func(ctx context.Context) (any, error) {
		_, err := a.store.GDPRPurgeKey(ctx, schema.AllTables(), func(table string) (txstore.Predicate, bool) {
			return txstore.Predicate{Column: "user_id", Op: txstore.OpEq, Value: userID}, true
		})
		return nil, err
	})
	return err
}

func (a *Actor) findByEmail(ctx context.Context, email string) (UserRecord, error) {
	rows, err := a.store.Query(ctx, schema.TableUsers, fmt.Sprintf("email = '%s'", email))
	if err != nil {
		return UserRecord{}, err
	}
	if len(rows) == 0 {
		return UserRecord{}, errs.New(errs.NotFound, "auth.findByEmail", nil)
	}
	return rowToUser(rows[0]), nil
}

func (a *Actor) findByUsername(ctx context.Context, username string) (UserRecord, error) {
	rows, err := a.store.Query(ctx, schema.TableUsers, fmt.Sprintf("username = '%s'", username))
	if err != nil {
		return UserRecord{}, err
	}
	if len(rows) == 0 {
		return UserRecord{}, errs.New(errs.NotFound, "auth.findByUsername", nil)
	}
	return rowToUser(rows[0]), nil
}

func (a *Actor) findByID(ctx context.Context, userID string) (UserRecord, error) {
	rows, err := a.store.Query(ctx, schema.TableUsers, fmt.Sprintf("user_id = '%s'", userID))
	if err != nil {
		return UserRecord{}, err
	}
	if len(rows) == 0 {
		return UserRecord{}, errs.New(errs.NotFound, "auth.findByID", nil)
	}
	return rowToUser(rows[0]), nil
}

// replaceUser implements the table log's append-only update pattern: delete
// the current row for this id, then append the new one, inside the same
// logical unit of work.
func (a *Actor) replaceUser(ctx context.Context, rec UserRecord) error {
	pred, err := txstore.ParsePredicate(fmt.Sprintf("user_id = '%s'", rec.UserID))
	if err != nil {
		return err
	}
	if _, err := a.store.Delete(ctx, schema.TableUsers, pred); err != nil {
		return err
	}
	_, err = a.store.Append(ctx, schema.TableUsers, schema.Batch{userToRow(rec)})
	return err
}

const rememberMeExpiryDays = 30

func (a *Actor) mintSession(rec UserRecord, rememberMe bool) (string, SessionRecord, error) {
	now := time.Now()
	expiryDays := a.cfg.SessionExpiryDays
	if rememberMe {
		expiryDays = rememberMeExpiryDays
	}
	expiry := now.AddDate(0, 0, expiryDays)
	claims := JwtClaims{
		UserID: rec.UserID,
		Role:   rec.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
			Subject:   rec.UserID,
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token, err := t.SignedString([]byte(a.cfg.AuthSigningSecret))
	if err != nil {
		return "", SessionRecord{}, errs.New(errs.Internal, "auth.mintSession", err)
	}
	session := SessionRecord{
		TokenHash: hashToken(token),
		UserID:    rec.UserID,
		Username:  rec.Username,
		Role:      rec.Role,
		CreatedAt: now,
		ExpiresAt: expiry,
		IsRevoked: false,
	}
	return token, session, nil
}

func (a *Actor) parseToken(token string) (JwtClaims, error) {
	var claims JwtClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(a.cfg.AuthSigningSecret), nil
	})
	if err != nil {
		return JwtClaims{}, errs.New(errs.AuthTokenInvalid, "auth.parseToken", err)
	}
	return claims, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func userToRow(r UserRecord) schema.Row {
	row := schema.Row{
		"user_id":           r.UserID,
		"username":          r.Username,
		"email":             r.Email,
		"password_hash":     r.PasswordHash,
		"role":              string(r.Role),
		"subscription_tier": string(r.SubscriptionTier),
		"is_active":         r.IsActive,
		"created_at":        r.CreatedAt.Format(timeLayout),
	}
	if r.FirstName != "" {
		row["first_name"] = r.FirstName
	}
	if r.LastName != "" {
		row["last_name"] = r.LastName
	}
	if r.LastLogin != nil {
		row["last_login"] = r.LastLogin.Format(timeLayout)
	}
	return row
}

func rowToUser(row schema.Row) UserRecord {
	rec := UserRecord{
		UserID:           str(row["user_id"]),
		Username:         str(row["username"]),
		Email:            str(row["email"]),
		PasswordHash:     str(row["password_hash"]),
		Role:             UserRole(str(row["role"])),
		SubscriptionTier: SubscriptionTier(str(row["subscription_tier"])),
		FirstName:        str(row["first_name"]),
		LastName:         str(row["last_name"]),
		IsActive:         boolOf(row["is_active"]),
	}
	if t, ok := parseTime(row["created_at"]); ok {
		rec.CreatedAt = t
	}
	if t, ok := parseTime(row["last_login"]); ok {
		rec.LastLogin = &t
	}
	return rec
}

func rowsToUsers(rows schema.Batch) []UserRecord {
	out := make([]UserRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToUser(r))
	}
	return out
}

func sessionToRow(s SessionRecord) schema.Row {
	return schema.Row{
		"token_hash": s.TokenHash,
		"user_id":    s.UserID,
		"username":   s.Username,
		"role":       string(s.Role),
		"created_at": s.CreatedAt.Format(timeLayout),
		"expires_at": s.ExpiresAt.Format(timeLayout),
		"is_revoked": s.IsRevoked,
	}
}

func rowToSession(row schema.Row) SessionRecord {
	rec := SessionRecord{
		TokenHash: str(row["token_hash"]),
		UserID:    str(row["user_id"]),
		Username:  str(row["username"]),
		Role:      UserRole(str(row["role"])),
		IsRevoked: boolOf(row["is_revoked"]),
	}
	if t, ok := parseTime(row["created_at"]); ok {
		rec.CreatedAt = t
	}
	if t, ok := parseTime(row["expires_at"]); ok {
		rec.ExpiresAt = t
	}
	return rec
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolOf(v any) bool {
	b, _ := v.(bool)
	return b
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
