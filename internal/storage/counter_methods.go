package storage

import (
	"context"
	"database/sql"

	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// ========== Downlink Counter Cache ==========

// counterClaim decides whether gatewayID may answer the uplink payloadFCnt
// given the cached claim, and returns the reserved downlink counter (0 if not).
func counterClaim(cachedUp, cachedDown uint32, cachedGateway string, fCntDown, payloadFCnt uint32, gatewayID string) uint32 {
	if cachedUp < payloadFCnt || (cachedUp == payloadFCnt && cachedGateway == gatewayID) {
		return max(cachedDown, fCntDown) + 1
	}
	return 0
}

// NextDownlinkCounter reserves the next downlink counter
func (s *PostgresStore) NextDownlinkCounter(ctx context.Context, devEUI lorawan.EUI64, fCntDown, payloadFCnt uint32, gatewayID string) (uint32, error) {
	var next uint32

	err := s.withTx(ctx, func(tx *PostgresStore) error {
		var cachedUp, cachedDown int64
		var cachedGateway string

		err := tx.getDB().QueryRowContext(ctx, `
            SELECT fcnt_up, fcnt_down, gateway_id
            FROM downlink_counters
            WHERE dev_eui = $1
            FOR UPDATE`, devEUI[:],
		).Scan(&cachedUp, &cachedDown, &cachedGateway)

		switch {
		case err == sql.ErrNoRows:
			next = fCntDown + 1
		case err != nil:
			return err
		default:
			next = counterClaim(uint32(cachedUp), uint32(cachedDown), cachedGateway, fCntDown, payloadFCnt, gatewayID)
			if next == 0 {
				return nil
			}
		}

		_, err = tx.getDB().ExecContext(ctx, `
            INSERT INTO downlink_counters (dev_eui, fcnt_up, fcnt_down, gateway_id, updated_at)
            VALUES ($1, $2, $3, $4, now())
            ON CONFLICT (dev_eui) DO UPDATE SET
                fcnt_up = EXCLUDED.fcnt_up,
                fcnt_down = EXCLUDED.fcnt_down,
                gateway_id = EXCLUDED.gateway_id,
                updated_at = EXCLUDED.updated_at`,
			devEUI[:], int64(payloadFCnt), int64(next), gatewayID,
		)
		return err
	})
	if err != nil {
		return 0, err
	}

	return next, nil
}

// ResetABPCounterCache resets the cached counters of an ABP device
func (s *PostgresStore) ResetABPCounterCache(ctx context.Context, devEUI lorawan.EUI64, fCntUp uint32, gatewayID string) error {
	_, err := s.getDB().ExecContext(ctx, `
        INSERT INTO downlink_counters (dev_eui, fcnt_up, fcnt_down, gateway_id, updated_at)
        VALUES ($1, $2, 0, $3, now())
        ON CONFLICT (dev_eui) DO UPDATE SET
            fcnt_up = EXCLUDED.fcnt_up,
            fcnt_down = 0,
            gateway_id = EXCLUDED.gateway_id,
            updated_at = EXCLUDED.updated_at`,
		devEUI[:], int64(fCntUp), gatewayID,
	)
	return err
}
