package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lorawan-server/lorawan-network-core/internal/models"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// ========== Device Methods ==========

// sessionColumns picks the address and network key the device currently uses
func sessionColumns(t *models.Twin) (devAddr, nwkSKey []byte) {
	switch {
	case t.Reported.DevAddr != nil:
		devAddr = t.Reported.DevAddr[:]
	case t.Desired.DevAddr != nil:
		devAddr = t.Desired.DevAddr[:]
	}
	switch {
	case t.Reported.NwkSKey != nil:
		nwkSKey = t.Reported.NwkSKey[:]
	case t.Desired.NwkSKey != nil:
		nwkSKey = t.Desired.NwkSKey[:]
	}
	return devAddr, nwkSKey
}

// CreateDevice creates a new device twin
func (s *PostgresStore) CreateDevice(ctx context.Context, twin *models.Twin) error {
	desired, err := json.Marshal(twin.Desired)
	if err != nil {
		return fmt.Errorf("marshal desired: %w", err)
	}
	reported, err := json.Marshal(twin.Reported)
	if err != nil {
		return fmt.Errorf("marshal reported: %w", err)
	}

	devAddr, nwkSKey := sessionColumns(twin)
	twin.Version = 1
	twin.UpdatedAt = time.Now()

	query := `
        INSERT INTO devices (dev_eui, dev_addr, nwk_s_key, gateway_id, desired, reported, version, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.getDB().ExecContext(ctx, query,
		twin.DevEUI[:], devAddr, nwkSKey, twin.Desired.GatewayID,
		desired, reported, twin.Version, twin.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetTwin gets the twin document of a device
func (s *PostgresStore) GetTwin(ctx context.Context, devEUI lorawan.EUI64) (*models.Twin, error) {
	query := `
        SELECT desired, reported, version, updated_at
        FROM devices
        WHERE dev_eui = $1`

	twin := &models.Twin{DevEUI: devEUI}
	var desired, reported []byte

	err := s.getDB().QueryRowContext(ctx, query, devEUI[:]).Scan(
		&desired, &reported, &twin.Version, &twin.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(desired, &twin.Desired); err != nil {
		return nil, fmt.Errorf("%w: desired properties: %v", ErrInvalidData, err)
	}
	if err := json.Unmarshal(reported, &twin.Reported); err != nil {
		return nil, fmt.Errorf("%w: reported properties: %v", ErrInvalidData, err)
	}

	return twin, nil
}

// UpdateReported merges patch into the reported properties. Session address
// and key changes are mirrored into the indexed columns.
func (s *PostgresStore) UpdateReported(ctx context.Context, devEUI lorawan.EUI64, patch models.ReportedProperties) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal reported patch: %w", err)
	}

	var devAddr, nwkSKey []byte
	if patch.DevAddr != nil {
		devAddr = patch.DevAddr[:]
	}
	if patch.NwkSKey != nil {
		nwkSKey = patch.NwkSKey[:]
	}

	query := `
        UPDATE devices SET
            reported = reported || $2::jsonb,
            dev_addr = COALESCE($3, dev_addr),
            nwk_s_key = COALESCE($4, nwk_s_key),
            version = version + 1,
            updated_at = now()
        WHERE dev_eui = $1`

	res, err := s.getDB().ExecContext(ctx, query, devEUI[:], data, devAddr, nwkSKey)
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

// SearchByAddress gets the devices holding a session address
func (s *PostgresStore) SearchByAddress(ctx context.Context, devAddr lorawan.DevAddr) ([]models.DevAddrMatch, error) {
	query := `
        SELECT dev_eui, gateway_id, nwk_s_key
        FROM devices
        WHERE dev_addr = $1`

	rows, err := s.getDB().QueryContext(ctx, query, devAddr[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []models.DevAddrMatch
	for rows.Next() {
		var m models.DevAddrMatch
		var devEUIBytes, keyBytes []byte

		if err := rows.Scan(&devEUIBytes, &m.GatewayID, &keyBytes); err != nil {
			return nil, err
		}

		copy(m.DevEUI[:], devEUIBytes)
		copy(m.NwkSKey[:], keyBytes)
		matches = append(matches, m)
	}

	return matches, rows.Err()
}

// SearchAndLockForJoin locks the device row, loads its root key and records
// the nonce in the same transaction.
func (s *PostgresStore) SearchAndLockForJoin(ctx context.Context, gatewayID string, devEUI lorawan.EUI64, devNonce uint16) (*models.JoinLockResult, error) {
	var result *models.JoinLockResult

	err := s.withTx(ctx, func(tx *PostgresStore) error {
		var desiredBytes []byte
		err := tx.getDB().QueryRowContext(ctx,
			`SELECT desired FROM devices WHERE dev_eui = $1 FOR UPDATE`, devEUI[:],
		).Scan(&desiredBytes)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var desired models.DesiredProperties
		if err := json.Unmarshal(desiredBytes, &desired); err != nil {
			return fmt.Errorf("%w: desired properties: %v", ErrInvalidData, err)
		}
		if desired.AppKey == nil {
			return fmt.Errorf("%w: device %s has no AppKey", ErrInvalidData, devEUI)
		}

		result = &models.JoinLockResult{
			DevEUI:    devEUI,
			AppKey:    *desired.AppKey,
			GatewayID: desired.GatewayID,
		}
		if desired.AppEUI != nil {
			result.JoinEUI = *desired.AppEUI
		}

		res, err := tx.getDB().ExecContext(ctx, `
            INSERT INTO join_nonces (dev_eui, dev_nonce, gateway_id)
            VALUES ($1, $2, $3)
            ON CONFLICT (dev_eui, dev_nonce) DO NOTHING`,
			devEUI[:], int(devNonce), gatewayID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		result.DevNonceAlreadyUsed = n == 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// ReleaseJoinNonce deletes a nonce recorded by a rejected join
func (s *PostgresStore) ReleaseJoinNonce(ctx context.Context, devEUI lorawan.EUI64, devNonce uint16) error {
	_, err := s.getDB().ExecContext(ctx,
		`DELETE FROM join_nonces WHERE dev_eui = $1 AND dev_nonce = $2`,
		devEUI[:], int(devNonce),
	)
	return err
}
