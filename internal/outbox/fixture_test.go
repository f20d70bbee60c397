package outbox

import (
	"testing"
	"time"

	"corebank.io/platform/internal/memdb"
	"corebank.io/platform/internal/pkg/logger"
	"corebank.io/platform/internal/pkg/tagged"
)

func init() {
	_ = logger.Init("error", "json")
}

type testEvent interface {
	Event
	isTestEvent()
}

type facilityApproved struct {
	FacilityID string `json:"facility_id"`
}

type depositRecorded struct {
	Publisher int `json:"publisher"`
	N         int `json:"n"`
}

type collateralUpdated struct {
	Value int64 `json:"value"`
}

func (*facilityApproved) EventType() string  { return "facility_approved" }
func (*depositRecorded) EventType() string   { return "deposit_recorded" }
func (*collateralUpdated) EventType() string { return "collateral_updated" }

func (*facilityApproved) isTestEvent()  {}
func (*depositRecorded) isTestEvent()   {}
func (*collateralUpdated) isTestEvent() {}

func testCodec() *tagged.Codec[testEvent] {
	return tagged.NewCodec[testEvent](
		(*facilityApproved)(nil),
		(*depositRecorded)(nil),
		(*collateralUpdated)(nil),
	)
}

func newTestOutbox(t *testing.T) (*Outbox[testEvent], *memdb.DB) {
	t.Helper()
	db := memdb.New(nil)
	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.PollInterval = time.Hour
	cfg.EphemeralBuffer = 4
	return New[testEvent](db, NewMemoryStore(db), testCodec(), cfg), db
}

func newTestOutboxStore() (*memdb.DB, *MemoryStore) {
	db := memdb.New(nil)
	return db, NewMemoryStore(db)
}
