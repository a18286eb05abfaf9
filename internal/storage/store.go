package storage

import (
	"context"
	"errors"
	"time"

	"chat-relay/internal/storage/zapadapter"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrBadMessageType    = errors.New("unknown message type")
	ErrMessageIncomplete = errors.New("message misses required fields")
	ErrMessageNotExist   = errors.New("message does not exist")
)

// Store persists chat messages and serves ordered per-room history
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// NewStore sets provided zap logger via zapadapter on the pool config,
// applies options and returns a connected Store instance
func NewStore(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close releases the underlying connection pool
func (s *Store) Close() {
	s.db.Close()
}

// SaveMessage writes a message to the database. A zero id is replaced with a
// fresh uuid and a zero timestamp with the current time, so the stored record
// the caller holds afterwards is complete. The write is synchronous: when
// SaveMessage returns nil the message is durable.
func (s *Store) SaveMessage(ctx context.Context, m *Message) error {
	s.logger.Debugf("Saving %s message from (%s) to room (%s)", m.MessageType, m.Sender, m.Receiver)

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	sql := `insert into messages
				(id, sender, receiver, message_type, message, original_filename, file_path, file_mime_type, created_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.Exec(ctx, sql,
		m.ID.String(),
		m.Sender,
		m.Receiver,
		m.MessageType,
		nullText(m.Message),
		nullText(m.OriginalFilename),
		nullText(m.FilePath),
		nullText(m.FileMimeType),
		m.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.CheckViolation:
				return ErrBadMessageType
			case pgerrcode.NotNullViolation:
				return ErrMessageIncomplete
			}
		}
		return err
	}

	s.logger.Debugf("Saved message %s", m.ID)

	return nil
}

// MessagesByRoom returns all messages addressed to a room sorted by creation
// time (from earliest to latest). Only listing fields are selected: file path
// and MIME type stay server-side. An unknown room yields an empty history,
// rooms are not stored entities.
func (s *Store) MessagesByRoom(ctx context.Context, room string) ([]Message, error) {
	s.logger.Debugf("Retrieving messages for room (%s)", room)

	sql := `select id,
				   sender,
				   receiver,
				   message_type,
				   message,
				   original_filename,
				   created_at
			  from messages
			 where receiver = $1
			 order by created_at asc`

	rows, err := s.db.Query(ctx, sql, room)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var (
			m        Message
			id       pgtype.UUID
			body     pgtype.Text
			filename pgtype.Text
		)
		err = rows.Scan(&id, &m.Sender, &m.Receiver, &m.MessageType, &body, &filename, &m.Timestamp)
		if err != nil {
			return nil, err
		}
		m.ID = uuid.UUID(id.Bytes)
		m.Message = body.String
		m.OriginalFilename = filename.String
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// MessageByID returns the full record for a single message, including the
// attachment path and MIME type used by the download endpoint
func (s *Store) MessageByID(ctx context.Context, id uuid.UUID) (Message, error) {
	s.logger.Debugf("Retrieving message (%s)", id)

	sql := `select sender,
				   receiver,
				   message_type,
				   message,
				   original_filename,
				   file_path,
				   file_mime_type,
				   created_at
			  from messages
			 where id = $1`

	var (
		m        Message
		body     pgtype.Text
		filename pgtype.Text
		path     pgtype.Text
		mimeType pgtype.Text
	)
	err := s.db.QueryRow(ctx, sql, id.String()).
		Scan(&m.Sender, &m.Receiver, &m.MessageType, &body, &filename, &path, &mimeType, &m.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotExist
		}
		return Message{}, err
	}

	m.ID = id
	m.Message = body.String
	m.OriginalFilename = filename.String
	m.FilePath = path.String
	m.FileMimeType = mimeType.String

	return m, nil
}

// nullText maps the empty string to SQL NULL so optional columns stay NULL
// instead of holding empty strings
func nullText(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{Status: pgtype.Null}
	}
	return pgtype.Text{String: s, Status: pgtype.Present}
}
