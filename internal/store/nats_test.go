package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"vetdesk/internal/casestate"
	"vetdesk/internal/config"
	"vetdesk/internal/domain"
	"vetdesk/test/testutil"
)

func TestNATSStoreSuiteIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	var bucketSeq atomic.Int64
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewNATSStore(config.NATSStoreConfig{
			URL:                []string{url},
			Bucket:             fmt.Sprintf("cases_%d", bucketSeq.Add(1)),
			AllowCreateBuckets: true,
		}, nil)
		if err != nil {
			t.Fatalf("new nats store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestNATSStoreSurvivesReconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	settings := config.NATSStoreConfig{URL: []string{url}, Bucket: "cases_restart", AllowCreateBuckets: true}
	first, err := NewNATSStore(settings, nil)
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	c := mustCreate(t, first, newPendingCase(t, 0))
	mustAdvance(t, first, c.CaseID, casestate.Posted{Ref: "-1:42"})
	_ = first.Close()

	settings.AllowCreateBuckets = false
	second, err := NewNATSStore(settings, nil)
	if err != nil {
		t.Fatalf("reopen nats store: %v", err)
	}
	defer second.Close()

	got, err := second.FindByExpertRef(context.Background(), "-1:42")
	if err != nil {
		t.Fatalf("find by ref: %v", err)
	}
	if got.CaseID != c.CaseID || got.Status != domain.StatusAwaitingResponse {
		t.Fatalf("unexpected case %+v", got)
	}
}
