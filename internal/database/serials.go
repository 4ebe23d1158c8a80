package database

import (
	"context"
	"time"
)

// ReserveSerial records a serial number as allocated. Reservations are
// permanent; a serial that was ever reserved yields ErrDuplicate.
func (d *Database) ReserveSerial(ctx context.Context, serial string, at time.Time) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := `INSERT INTO serial_registry (serial_number, created_at) VALUES (?, ?)`
	_, err := d.db.ExecContext(ctx, d.rebind(query), serial, at)
	return translateError(err)
}

// SerialReserved reports whether serial was ever allocated
func (d *Database) SerialReserved(ctx context.Context, serial string) (bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var count int
	err := d.db.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM serial_registry WHERE serial_number = ?`), serial).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
