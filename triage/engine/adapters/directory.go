package adapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/ZanzyTHEbar/triage-engine/triage/db"
	"github.com/ZanzyTHEbar/triage-engine/triage/engine/ports"
)

// SQLAppointmentDirectory answers existence checks from the appointments table.
type SQLAppointmentDirectory struct {
	db *db.DB
}

func NewSQLAppointmentDirectory(conn *db.DB) *SQLAppointmentDirectory {
	return &SQLAppointmentDirectory{db: conn}
}

func (d *SQLAppointmentDirectory) Exists(ctx context.Context, appointmentID int64) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, d.db.Rebind("SELECT COUNT(*) FROM appointments WHERE id = ?"), appointmentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up appointment %d: %w", appointmentID, err)
	}
	return n > 0, nil
}

// Register mirrors an appointment id created by the scheduling subsystem.
func (d *SQLAppointmentDirectory) Register(ctx context.Context, appointmentID int64) error {
	_, err := d.db.ExecContext(ctx,
		d.db.Rebind("INSERT INTO appointments (id) VALUES (?) ON CONFLICT (id) DO NOTHING"), appointmentID)
	if err != nil {
		return fmt.Errorf("failed to register appointment %d: %w", appointmentID, err)
	}
	return nil
}

// StaticAppointmentDirectory is a fixed in-memory id set.
type StaticAppointmentDirectory struct {
	mu  sync.RWMutex
	ids map[int64]struct{}
}

func NewStaticAppointmentDirectory(ids ...int64) *StaticAppointmentDirectory {
	d := &StaticAppointmentDirectory{ids: make(map[int64]struct{}, len(ids))}
	for _, id := range ids {
		d.ids[id] = struct{}{}
	}
	return d
}

func (d *StaticAppointmentDirectory) Exists(_ context.Context, appointmentID int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.ids[appointmentID]
	return ok, nil
}

func (d *StaticAppointmentDirectory) Register(_ context.Context, appointmentID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids[appointmentID] = struct{}{}
	return nil
}

var (
	_ ports.AppointmentDirectory = (*SQLAppointmentDirectory)(nil)
	_ ports.AppointmentDirectory = (*StaticAppointmentDirectory)(nil)
)
