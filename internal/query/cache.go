package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"GridClear/internal/auction"
)

// Reader is the read API served over HTTP. *QueryService implements it
// directly against PostgreSQL; CachedQueryService wraps one with Redis.
type Reader interface {
	GetBalance(ctx context.Context, participant auction.Address, asset string) (*BalanceResponse, error)
	GetTimeslot(ctx context.Context, epoch int64) (*TimeslotResponse, error)
	ListTimeslots(ctx context.Context, status *int16, limit int, beforeEpoch *int64) ([]TimeslotResponse, error)
	GetDeliveryReports(ctx context.Context, epoch int64) ([]DeliveryReportResponse, error)
	GetJournalHistory(ctx context.Context, participant auction.Address, limit int, afterSequence *int64) ([]JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*IntegrityReport, error)
}

// CachedQueryService wraps a Reader with a Redis read-through cache. The
// projection worker owns all writes, so nothing here invalidates on write;
// short TTLs bound staleness instead, and cached responses keep the
// as_of_sequence captured when they were stored.
type CachedQueryService struct {
	primary Reader
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedQueryService creates a cached wrapper around a primary reader.
func NewCachedQueryService(primary Reader, rdb *redis.Client, ttl time.Duration) *CachedQueryService {
	return &CachedQueryService{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedQueryService) GetBalance(
	ctx context.Context,
	participant auction.Address,
	asset string,
) (*BalanceResponse, error) {
	key := balanceKey(participant.String(), asset)

	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var b BalanceResponse
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	// Cache miss: read from primary.
	b, err := s.primary.GetBalance(ctx, participant, asset)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return b, nil
}

func (s *CachedQueryService) GetTimeslot(ctx context.Context, epoch int64) (*TimeslotResponse, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, timeslotKey(epoch)).Bytes()
	if err == nil {
		var t TimeslotResponse
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	// Cache miss.
	t, err := s.primary.GetTimeslot(ctx, epoch)
	if err != nil {
		return nil, err
	}
	if t == nil {
		// Unknown timeslots are not cached.
		return nil, nil
	}

	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, timeslotKey(epoch), data, s.ttl)
	}
	return t, nil
}

func (s *CachedQueryService) GetDeliveryReports(ctx context.Context, epoch int64) ([]DeliveryReportResponse, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, deliveriesKey(epoch)).Bytes()
	if err == nil {
		var reports []DeliveryReportResponse
		if json.Unmarshal(data, &reports) == nil {
			return reports, nil
		}
	}

	// Cache miss.
	reports, err := s.primary.GetDeliveryReports(ctx, epoch)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(reports); err == nil {
		s.rdb.Set(ctx, deliveriesKey(epoch), data, s.ttl)
	}
	return reports, nil
}

// --- Passthrough (not cached) ---

func (s *CachedQueryService) ListTimeslots(
	ctx context.Context,
	status *int16,
	limit int,
	beforeEpoch *int64,
) ([]TimeslotResponse, error) {
	return s.primary.ListTimeslots(ctx, status, limit, beforeEpoch)
}

func (s *CachedQueryService) GetJournalHistory(
	ctx context.Context,
	participant auction.Address,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	return s.primary.GetJournalHistory(ctx, participant, limit, afterSequence)
}

func (s *CachedQueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	return s.primary.VerifyIntegrity(ctx)
}

// --- Cache helpers ---

func balanceKey(addr, asset string) string { return fmt.Sprintf("balance:%s:%s", addr, asset) }
func timeslotKey(epoch int64) string       { return fmt.Sprintf("timeslot:%d", epoch) }
func deliveriesKey(epoch int64) string     { return fmt.Sprintf("deliveries:%d", epoch) }
