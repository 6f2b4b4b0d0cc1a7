package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/guardian-supervisor/guardian/internal/approval"
	"github.com/guardian-supervisor/guardian/internal/pipeline"
	"github.com/guardian-supervisor/guardian/internal/policy"
	"github.com/guardian-supervisor/guardian/internal/scorer"
)

type fakeApprovalBackend struct {
	mu    sync.Mutex
	store map[string]*approval.Approval
}

func newFakeApprovalBackend() *fakeApprovalBackend {
	return &fakeApprovalBackend{store: map[string]*approval.Approval{}}
}

func (b *fakeApprovalBackend) InsertApproval(ctx context.Context, a approval.Approval) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := a
	b.store[a.RequestID] = &cp
	return nil
}

func (b *fakeApprovalBackend) GetApproval(ctx context.Context, requestID string) (*approval.Approval, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.store[requestID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (b *fakeApprovalBackend) ListApprovals(ctx context.Context, status approval.Status) ([]approval.Approval, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []approval.Approval
	for _, a := range b.store {
		if status == "" || a.Status == status {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (b *fakeApprovalBackend) ResolveApproval(ctx context.Context, requestID string, status approval.Status, reviewerID, comment string, resolvedAt time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.store[requestID]
	if !ok || a.Status != approval.StatusPending {
		return 0, nil
	}
	a.Status = status
	a.ReviewerID = reviewerID
	a.Comment = comment
	a.ResolvedAt = &resolvedAt
	return 1, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][]map[string]interface{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: map[string][]map[string]interface{}{}}
}

func (p *fakePublisher) Publish(ctx context.Context, streamName string, fields map[string]interface{}) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[streamName] = append(p.published[streamName], fields)
	return "id", nil
}

type fakePolicyBackend struct{ rules []policy.Rule }

func (f fakePolicyBackend) ListEnabledPolicies(ctx context.Context) ([]policy.Rule, error) {
	return f.rules, nil
}

func newTestServer(t *testing.T) (*Server, *fakeApprovalBackend, *fakePublisher) {
	t.Helper()
	store := policy.NewStore(fakePolicyBackend{}, nil, nil, nil)
	engine := policy.NewEngine(nil, nil)
	p := pipeline.New(store, engine, scorer.Disabled{}, nil, nil, nil)

	backend := newFakeApprovalBackend()
	registry := approval.NewRegistry(backend, nil)
	pub := newFakePublisher()

	s := NewServer(p, registry, pub, "intents", "approval-decisions", nil)
	return s, backend, pub
}

func TestHandleEvaluate_ReturnsDecision(t *testing.T) {
	s, _, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"event_id": "evt-1",
		"action":   map[string]interface{}{"type": "http.request", "target": "https://example.com"},
	})
	req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var decision policy.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decision.Decision != policy.EffectAllow {
		t.Fatalf("expected ALLOW, got %s", decision.Decision)
	}
}

func TestHandleEvaluate_MalformedBodyReturns400(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/evaluate", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleDecide_PublishesAndReturns202(t *testing.T) {
	s, _, pub := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"event_id": "evt-2", "trace_id": "trace-2"})
	req := httptest.NewRequest(http.MethodPost, "/decide", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.published["intents"]) != 1 {
		t.Fatalf("expected one message published to intents stream, got %d", len(pub.published["intents"]))
	}
}

func TestHandleApprovalsPending_ListsOnlyPending(t *testing.T) {
	s, backend, _ := newTestServer(t)
	ctx := context.Background()
	_ = backend.InsertApproval(ctx, approval.Approval{RequestID: uuid.NewString(), Status: approval.StatusPending, CreatedAt: time.Now()})
	resolved := uuid.NewString()
	_ = backend.InsertApproval(ctx, approval.Approval{RequestID: resolved, Status: approval.StatusApproved, CreatedAt: time.Now()})

	req := httptest.NewRequest(http.MethodGet, "/approvals/pending", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []approval.Approval
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Status != approval.StatusPending {
		t.Fatalf("expected exactly one pending approval, got %+v", got)
	}
}

func TestHandleApprovalApprove_InvalidIDReturns400(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/approvals/not-a-uuid/approve", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleApprovalApprove_UnknownIDReturns404(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/approvals/"+uuid.NewString()+"/approve", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleApprovalApprove_ApprovesAndEmitsEvent(t *testing.T) {
	s, backend, pub := newTestServer(t)
	id := uuid.NewString()
	_ = backend.InsertApproval(context.Background(), approval.Approval{RequestID: id, Status: approval.StatusPending, CreatedAt: time.Now()})

	body, _ := json.Marshal(map[string]string{"reviewer_id": "reviewer-a", "comment": "looks fine"})
	req := httptest.NewRequest(http.MethodPost, "/approvals/"+id+"/approve", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.published["approval-decisions"]) != 1 {
		t.Fatalf("expected one approval-decision event published, got %d", len(pub.published["approval-decisions"]))
	}
}

func TestHandleApprovalApprove_SecondCallReturns400(t *testing.T) {
	s, backend, _ := newTestServer(t)
	id := uuid.NewString()
	_ = backend.InsertApproval(context.Background(), approval.Approval{RequestID: id, Status: approval.StatusPending, CreatedAt: time.Now()})

	req1 := httptest.NewRequest(http.MethodPost, "/approvals/"+id+"/approve", nil)
	s.ServeHTTP(httptest.NewRecorder(), req1)

	req2 := httptest.NewRequest(http.MethodPost, "/approvals/"+id+"/deny", nil)
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on already-resolved approval, got %d", rec2.Code)
	}
}
