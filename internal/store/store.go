// Package store persists users, finished videos, and the pending-work
// records that tie an async generation job to the payment that authorized
// it. Backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/CarsonRoscoe/remix-x402/x402"
)

// Pending video statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Video kinds.
const (
	KindDailyRemix  = "daily-remix"
	KindCustomRemix = "custom-remix"
	KindCustomVideo = "custom-video"
	KindVideo       = "video"
)

// User is a wallet-identified account, optionally linked to a Farcaster
// profile.
type User struct {
	ID            string
	WalletAddress string
	FarcasterID   int64
	PfpURL        string
	CreatedAt     time.Time
}

// PendingVideo associates a queued generation job with the verified,
// unsettled payment that authorized it. Settled flips to true exactly
// once, after the job succeeds and the payment settles.
type PendingVideo struct {
	ID             string
	UserID         string
	Kind           string
	Prompt         string
	JobID          string
	Model          string
	PaymentDetails *x402.PaymentDetails
	Status         string
	ErrorMessage   string
	Settled        bool
	CreatedAt      time.Time
}

// Video is a finished, IPFS-pinned generation result.
type Video struct {
	ID        string
	UserID    string
	Kind      string
	VideoIPFS string
	VideoURL  string
	CreatedAt time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

// Open opens (and if needed creates) the database at path.
func Open(path string, logger logrus.FieldLogger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1&_synchronous=NORMAL", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger.WithField("component", "store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			wallet_address TEXT NOT NULL UNIQUE,
			farcaster_id INTEGER NOT NULL DEFAULT 0,
			pfp_url TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE TABLE IF NOT EXISTS pending_videos (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			kind TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			job_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			payment_details TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			error_message TEXT NOT NULL DEFAULT '',
			settled INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_videos_status ON pending_videos(status)`,
		`CREATE TABLE IF NOT EXISTS daily_prompts (
			id TEXT PRIMARY KEY,
			date INTEGER NOT NULL UNIQUE,
			prompt TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS videos (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			kind TEXT NOT NULL,
			video_ipfs TEXT NOT NULL,
			video_url TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// GetOrCreateUser resolves a wallet address to a user, creating the row on
// first sight. Profile fields update when non-empty values are supplied.
func (s *Store) GetOrCreateUser(ctx context.Context, walletAddress string, farcasterID int64, pfpURL string) (*User, error) {
	user, err := s.getUserByWallet(ctx, walletAddress)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	if err == sql.ErrNoRows {
		return s.insertUser(ctx, walletAddress, farcasterID, pfpURL)
	}

	if farcasterID != 0 || pfpURL != "" {
		if farcasterID == 0 {
			farcasterID = user.FarcasterID
		}
		if pfpURL == "" {
			pfpURL = user.PfpURL
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET farcaster_id = ?, pfp_url = ? WHERE id = ?`,
			farcasterID, pfpURL, user.ID)
		if err != nil {
			return nil, fmt.Errorf("update user profile: %w", err)
		}
		user.FarcasterID = farcasterID
		user.PfpURL = pfpURL
	}

	return user, nil
}

// insertUser creates the row for a first-seen wallet. Two requests racing
// on the same wallet both reach here; the conflict clause lets the loser
// fall through to the winner's row instead of surfacing a UNIQUE
// violation.
func (s *Store) insertUser(ctx context.Context, walletAddress string, farcasterID int64, pfpURL string) (*User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, wallet_address, farcaster_id, pfp_url) VALUES (?, ?, ?, ?)
		 ON CONFLICT(wallet_address) DO NOTHING`,
		uuid.NewString(), walletAddress, farcasterID, pfpURL)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return s.getUserByWallet(ctx, walletAddress)
}

func (s *Store) getUserByWallet(ctx context.Context, walletAddress string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, wallet_address, farcaster_id, pfp_url, created_at FROM users WHERE wallet_address = ?`,
		walletAddress)

	var user User
	var createdAt int64
	if err := row.Scan(&user.ID, &user.WalletAddress, &user.FarcasterID, &user.PfpURL, &createdAt); err != nil {
		return nil, err
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	return &user, nil
}

// CreatePendingVideo records a queued generation job together with the
// payment that authorized it.
func (s *Store) CreatePendingVideo(ctx context.Context, pv *PendingVideo) error {
	if pv.ID == "" {
		pv.ID = uuid.NewString()
	}
	if pv.Status == "" {
		pv.Status = StatusPending
	}

	var detailsJSON []byte
	if pv.PaymentDetails != nil {
		var err error
		detailsJSON, err = json.Marshal(pv.PaymentDetails)
		if err != nil {
			return fmt.Errorf("marshal payment details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_videos (id, user_id, kind, prompt, job_id, model, payment_details, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pv.ID, pv.UserID, pv.Kind, pv.Prompt, pv.JobID, pv.Model, nullableString(detailsJSON), pv.Status)
	if err != nil {
		return fmt.Errorf("create pending video: %w", err)
	}
	return nil
}

func nullableString(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// GetPendingVideo fetches one pending record by id.
func (s *Store) GetPendingVideo(ctx context.Context, id string) (*PendingVideo, error) {
	rows, err := s.db.QueryContext(ctx, pendingSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, sql.ErrNoRows
	}
	return scanPending(rows)
}

const pendingSelect = `SELECT id, user_id, kind, prompt, job_id, model, payment_details, status, error_message, settled, created_at FROM pending_videos`

// ListPendingVideos returns records still awaiting a terminal status.
func (s *Store) ListPendingVideos(ctx context.Context) ([]*PendingVideo, error) {
	rows, err := s.db.QueryContext(ctx,
		pendingSelect+` WHERE status IN (?, ?) ORDER BY created_at`,
		StatusPending, StatusProcessing)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingVideo
	for rows.Next() {
		pv, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pv)
	}
	return out, rows.Err()
}

// ListSettleableVideos returns completed records whose payment has not been
// settled yet.
func (s *Store) ListSettleableVideos(ctx context.Context) ([]*PendingVideo, error) {
	rows, err := s.db.QueryContext(ctx,
		pendingSelect+` WHERE status = ? AND settled = 0 ORDER BY created_at`,
		StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingVideo
	for rows.Next() {
		pv, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pv)
	}
	return out, rows.Err()
}

// ListPendingVideosByUser returns a user's pending records, newest first.
func (s *Store) ListPendingVideosByUser(ctx context.Context, userID string) ([]*PendingVideo, error) {
	rows, err := s.db.QueryContext(ctx,
		pendingSelect+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingVideo
	for rows.Next() {
		pv, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pv)
	}
	return out, rows.Err()
}

func scanPending(rows *sql.Rows) (*PendingVideo, error) {
	var pv PendingVideo
	var detailsJSON sql.NullString
	var settled int
	var createdAt int64

	if err := rows.Scan(&pv.ID, &pv.UserID, &pv.Kind, &pv.Prompt, &pv.JobID, &pv.Model,
		&detailsJSON, &pv.Status, &pv.ErrorMessage, &settled, &createdAt); err != nil {
		return nil, err
	}

	if detailsJSON.Valid && detailsJSON.String != "" {
		var details x402.PaymentDetails
		if err := json.Unmarshal([]byte(detailsJSON.String), &details); err != nil {
			return nil, fmt.Errorf("parse stored payment details: %w", err)
		}
		pv.PaymentDetails = &details
	}
	pv.Settled = settled != 0
	pv.CreatedAt = time.Unix(createdAt, 0)
	return &pv, nil
}

// UpdatePendingStatus updates a record's status and optional error text.
func (s *Store) UpdatePendingStatus(ctx context.Context, id, status, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_videos SET status = ?, error_message = ? WHERE id = ?`,
		status, errorMessage, id)
	if err != nil {
		return fmt.Errorf("update pending status: %w", err)
	}
	return nil
}

// DeletePendingVideo removes a processed record.
func (s *Store) DeletePendingVideo(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_videos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending video: %w", err)
	}
	return nil
}

// IsSettled reports whether the record's payment was settled. Implements
// x402.WorkStore.
func (s *Store) IsSettled(ctx context.Context, id string) (bool, error) {
	var settled int
	err := s.db.QueryRowContext(ctx,
		`SELECT settled FROM pending_videos WHERE id = ?`, id).Scan(&settled)
	if err != nil {
		return false, fmt.Errorf("read settled flag: %w", err)
	}
	return settled != 0, nil
}

// MarkSettled flips the settled flag; already-settled rows are untouched.
// Implements x402.WorkStore.
func (s *Store) MarkSettled(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_videos SET settled = 1 WHERE id = ? AND settled = 0`, id)
	if err != nil {
		return fmt.Errorf("mark settled: %w", err)
	}
	return nil
}

// DailyPrompt is the theme prompt for one day's remix.
type DailyPrompt struct {
	ID     string
	Date   time.Time
	Prompt string
}

// GetDailyPrompt returns the prompt for the day containing now, falling back
// to the most recent earlier prompt.
func (s *Store) GetDailyPrompt(ctx context.Context, now time.Time) (*DailyPrompt, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Unix()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, date, prompt FROM daily_prompts WHERE date <= ? ORDER BY date DESC LIMIT 1`,
		dayStart)

	var dp DailyPrompt
	var date int64
	if err := row.Scan(&dp.ID, &date, &dp.Prompt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no daily prompts configured")
		}
		return nil, err
	}
	dp.Date = time.Unix(date, 0)
	return &dp, nil
}

// CreateDailyPrompt stores the prompt for a given day, replacing any
// existing one.
func (s *Store) CreateDailyPrompt(ctx context.Context, date time.Time, prompt string) (*DailyPrompt, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location()).Unix()
	dp := &DailyPrompt{ID: uuid.NewString(), Date: time.Unix(dayStart, 0), Prompt: prompt}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_prompts (id, date, prompt) VALUES (?, ?, ?)
		 ON CONFLICT(date) DO UPDATE SET prompt = excluded.prompt`,
		dp.ID, dayStart, prompt)
	if err != nil {
		return nil, fmt.Errorf("create daily prompt: %w", err)
	}
	return dp, nil
}

// CreateVideo records a finished, pinned generation result.
func (s *Store) CreateVideo(ctx context.Context, v *Video) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO videos (id, user_id, kind, video_ipfs, video_url) VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.UserID, v.Kind, v.VideoIPFS, v.VideoURL)
	if err != nil {
		return fmt.Errorf("create video: %w", err)
	}
	return nil
}

// ListVideosByUser returns a user's finished videos, newest first.
func (s *Store) ListVideosByUser(ctx context.Context, userID string) ([]*Video, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, video_ipfs, video_url, created_at FROM videos
		 WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Video
	for rows.Next() {
		var v Video
		var createdAt int64
		if err := rows.Scan(&v.ID, &v.UserID, &v.Kind, &v.VideoIPFS, &v.VideoURL, &createdAt); err != nil {
			return nil, err
		}
		v.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &v)
	}
	return out, rows.Err()
}
