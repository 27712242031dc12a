package repository

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/racegrid/RaceSeatBack/internal/models"
)

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

// ListForParticipant returns every message the participant sent or received,
// newest first.
func (r *MessageRepository) ListForParticipant(
	ctx context.Context,
	participantID uuid.UUID,
) ([]models.Message, error) {
	query := `
		SELECT id, sender_id, recipient_id, content, read, created_at
		FROM messages
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC, id DESC
	`

	rows, err := r.db.Query(ctx, query, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var message models.Message
		if err := rows.Scan(
			&message.ID,
			&message.SenderID,
			&message.RecipientID,
			&message.Content,
			&message.Read,
			&message.CreatedAt,
		); err != nil {
			return nil, err
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func (r *MessageRepository) Create(
	ctx context.Context,
	senderID uuid.UUID,
	recipientID uuid.UUID,
	content string,
) (*models.Message, error) {
	query := `
		INSERT INTO messages (sender_id, recipient_id, content, read)
		VALUES ($1, $2, $3, FALSE)
		RETURNING id, sender_id, recipient_id, content, read, created_at
	`

	var message models.Message
	err := r.db.QueryRow(ctx, query, senderID, recipientID, content).Scan(
		&message.ID,
		&message.SenderID,
		&message.RecipientID,
		&message.Content,
		&message.Read,
		&message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &message, nil
}

// MarkRead flips the read flag on the given messages. Only rows addressed to
// readerID are touched, so a sender can never mark its own messages read.
func (r *MessageRepository) MarkRead(
	ctx context.Context,
	messageIDs []uuid.UUID,
	readerID uuid.UUID,
) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	query, args, err := psql.
		Update("messages").
		Set("read", true).
		Where(sq.Eq{"id": uuidStrings(messageIDs)}).
		Where(sq.Eq{"recipient_id": readerID.String()}).
		Where(sq.Eq{"read": false}).
		ToSql()
	if err != nil {
		return 0, err
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
