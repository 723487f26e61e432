package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// ========== Cloud Message Methods ==========

// EnqueueMessage queues a cloud to device message
func (s *PostgresStore) EnqueueMessage(ctx context.Context, msg *models.CloudMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.State == "" {
		msg.State = models.MessagePending
	}
	msg.CreatedAt = time.Now()

	_, err := s.getDB().ExecContext(ctx, `
        INSERT INTO cloud_messages (id, dev_eui, f_port, payload, confirmed, state, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.DevEUI[:], int(msg.FPort), msg.Payload, msg.Confirmed, string(msg.State), msg.CreatedAt,
	)
	return err
}

// NextPendingMessage returns the oldest pending message of a device
func (s *PostgresStore) NextPendingMessage(ctx context.Context, devEUI lorawan.EUI64) (*models.CloudMessage, error) {
	msg := &models.CloudMessage{DevEUI: devEUI}
	var fPort int
	var state string

	err := s.getDB().QueryRowContext(ctx, `
        SELECT id, f_port, payload, confirmed, state, created_at
        FROM cloud_messages
        WHERE dev_eui = $1 AND state = 'pending'
        ORDER BY created_at
        LIMIT 1`, devEUI[:],
	).Scan(&msg.ID, &fPort, &msg.Payload, &msg.Confirmed, &state, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	msg.FPort = uint8(fPort)
	msg.State = models.MessageState(state)
	return msg, nil
}

// SetMessageState moves a message to a new delivery state. Abandoned
// messages go back to pending so they are retried.
func (s *PostgresStore) SetMessageState(ctx context.Context, id uuid.UUID, state models.MessageState) error {
	if state == models.MessageAbandoned {
		state = models.MessagePending
	}

	res, err := s.getDB().ExecContext(ctx,
		`UPDATE cloud_messages SET state = $2 WHERE id = $1`, id, string(state))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
