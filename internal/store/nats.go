package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"vetdesk/internal/config"
	"vetdesk/internal/domain"
	"vetdesk/internal/logging"

	"github.com/nats-io/nats.go"
)

const (
	caseKeyPrefix = "case."
	refKeyPrefix  = "ref."
)

// NATSStore persists cases in a JetStream KV bucket.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed case store using revision CAS.
type NATSStore struct {
	nc     *nats.Conn
	kv     nats.KeyValue
	logger *slog.Logger
}

// NewNATSStore opens (or creates) the case bucket.
// Params: NATS store settings and logger.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStoreConfig, logger *slog.Logger) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, unavailable("store.connect", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBuckets {
			nc.Close()
			return nil, fmt.Errorf("open case bucket %q: %w", settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  settings.Bucket,
			History: 5,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create case bucket %q: %w", settings.Bucket, err)
		}
	}
	return &NATSStore{nc: nc, kv: kv, logger: logging.OrNop(logger)}, nil
}

// Create stores a new case key when absent.
// Params: case in pending_review with assigned id.
// Returns: case id or ErrConflict when key exists.
func (s *NATSStore) Create(_ context.Context, c domain.EmergencyCase) (string, error) {
	if err := validateNew(c); err != nil {
		return "", err
	}
	body, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode case: %w", err)
	}
	if _, err := s.kv.Create(caseKeyPrefix+c.CaseID, body); err != nil {
		if errors.Is(err, nats.ErrKeyExists) || isWrongSequence(err) {
			return "", conflict("case id %s already exists", c.CaseID)
		}
		return "", classifyNATS("store.create", err)
	}
	return c.CaseID, nil
}

// Get reads one case.
// Params: case id.
// Returns: case or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, caseID string) (domain.EmergencyCase, error) {
	c, _, err := s.load(caseID)
	return c, err
}

// Update applies mutator and writes with KV revision CAS.
// Params: case id, expected status and mutator.
// Returns: updated case, ErrNotFound, ErrConflict or guard error.
func (s *NATSStore) Update(_ context.Context, caseID string, expected domain.Status, mutate Mutator) (domain.EmergencyCase, error) {
	prev, revision, err := s.load(caseID)
	if err != nil {
		return domain.EmergencyCase{}, err
	}
	next, err := applyMutation(prev, expected, mutate)
	if err != nil {
		return domain.EmergencyCase{}, err
	}
	if next.ExpertChannelRef != "" && next.ExpertChannelRef != prev.ExpertChannelRef {
		if err := s.bindRef(next.ExpertChannelRef, caseID); err != nil {
			return domain.EmergencyCase{}, err
		}
	}
	body, err := json.Marshal(next)
	if err != nil {
		return domain.EmergencyCase{}, fmt.Errorf("encode case: %w", err)
	}
	if _, err := s.kv.Update(caseKeyPrefix+caseID, body, revision); err != nil {
		if errors.Is(err, nats.ErrKeyExists) || isWrongSequence(err) {
			return domain.EmergencyCase{}, conflict("case %s changed concurrently", caseID)
		}
		return domain.EmergencyCase{}, classifyNATS("store.update", err)
	}
	return next, nil
}

// List scans case keys and filters by status.
// Params: optional status filter.
// Returns: cases ordered by creation time.
func (s *NATSStore) List(_ context.Context, statuses ...domain.Status) ([]domain.EmergencyCase, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return []domain.EmergencyCase{}, nil
		}
		return nil, classifyNATS("store.list", err)
	}
	match := statusFilter(statuses)
	out := make([]domain.EmergencyCase, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, caseKeyPrefix) {
			continue
		}
		c, _, err := s.load(strings.TrimPrefix(key, caseKeyPrefix))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if match(c.Status) {
			out = append(out, c)
		}
	}
	sortCases(out)
	return out, nil
}

// FindByExpertRef resolves case through ref index, falling back to full scan.
// Params: message ref.
// Returns: case or ErrNotFound.
func (s *NATSStore) FindByExpertRef(ctx context.Context, ref string) (domain.EmergencyCase, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.EmergencyCase{}, ErrNotFound
	}
	entry, err := s.kv.Get(refKey(ref))
	switch {
	case err == nil:
		c, _, loadErr := s.load(string(entry.Value()))
		if loadErr == nil && c.ExpertChannelRef == ref {
			return c, nil
		}
		if loadErr != nil && !errors.Is(loadErr, ErrNotFound) {
			return domain.EmergencyCase{}, loadErr
		}
		s.logger.Debug("expert ref index is stale, scanning cases", "ref", ref)
	case errors.Is(err, nats.ErrKeyNotFound):
	default:
		return domain.EmergencyCase{}, classifyNATS("store.find_by_ref", err)
	}

	cases, err := s.List(ctx)
	if err != nil {
		return domain.EmergencyCase{}, err
	}
	for _, c := range cases {
		if c.ExpertChannelRef == ref {
			return c, nil
		}
	}
	return domain.EmergencyCase{}, ErrNotFound
}

// Close closes underlying NATS connection.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

func (s *NATSStore) load(caseID string) (domain.EmergencyCase, uint64, error) {
	entry, err := s.kv.Get(caseKeyPrefix + caseID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrInvalidKey) {
			return domain.EmergencyCase{}, 0, ErrNotFound
		}
		return domain.EmergencyCase{}, 0, classifyNATS("store.get", err)
	}
	var c domain.EmergencyCase
	if err := json.Unmarshal(entry.Value(), &c); err != nil {
		return domain.EmergencyCase{}, 0, fmt.Errorf("decode case %s: %w", caseID, err)
	}
	return c, entry.Revision(), nil
}

// bindRef reserves ref index key for case; an index owned by another case is a conflict.
func (s *NATSStore) bindRef(ref, caseID string) error {
	key := refKey(ref)
	if _, err := s.kv.Create(key, []byte(caseID)); err != nil {
		if !errors.Is(err, nats.ErrKeyExists) && !isWrongSequence(err) {
			return classifyNATS("store.bind_ref", err)
		}
		entry, getErr := s.kv.Get(key)
		if getErr != nil {
			return classifyNATS("store.bind_ref", getErr)
		}
		if owner := string(entry.Value()); owner != caseID {
			return conflict("expert ref %s already bound to case %s", ref, owner)
		}
	}
	return nil
}

func refKey(ref string) string {
	return refKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(ref))
}

func isWrongSequence(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

// classifyNATS maps connectivity failures into StoreUnavailable.
func classifyNATS(op string, err error) error {
	switch {
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, context.DeadlineExceeded):
		return unavailable(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
