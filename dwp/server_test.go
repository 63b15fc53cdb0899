package dwp

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xraph/forge"

	"github.com/xraph/batch/job"
	"github.com/xraph/batch/stream"
)

func setupTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	h, eng := setupTestHandler(t)
	addJob(t, eng, 2)

	srv := NewServer(h,
		WithAuth(NewAPIKeyAuthenticator(
			APIKeyEntry{Token: "bk_worker", Identity: Identity{Subject: "scheduler-1", Scopes: []string{ScopeLeaseWrite, ScopeQueueRead}}},
			APIKeyEntry{Token: "bk_reader", Identity: Identity{Subject: "dashboard", Scopes: []string{ScopeJobRead}}},
		)),
		WithPath("/batch"),
	)
	router := forge.NewRouter()
	srv.RegisterRoutes(router)

	ts := httptest.NewServer(router.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func rpc(t *testing.T, ts *httptest.Server, token, method string, data any) (int, *Frame) {
	t.Helper()
	frame, err := NewRequestFrame(GenerateFrameID(), method, data)
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}
	frame.Token = token
	body, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(ts.URL+"/batch/rpc", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST rpc: %v", err)
	}
	defer resp.Body.Close()

	var out Frame
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, &out
}

func TestServer_NewServerDefaults(t *testing.T) {
	h, _ := setupTestHandler(t)
	srv := NewServer(h)

	if srv.BasePath() != "/dwp" {
		t.Errorf("BasePath = %q, want /dwp", srv.BasePath())
	}
	if _, ok := srv.auth.(*NoopAuthenticator); !ok {
		t.Errorf("auth = %T, want *NoopAuthenticator", srv.auth)
	}
	if srv.defaultCodec.Name() != CodecNameJSON {
		t.Errorf("default codec = %q, want json", srv.defaultCodec.Name())
	}
	if srv.Connections().Count() != 0 {
		t.Error("new server should have no connections")
	}
	if srv.Broker() != nil {
		t.Error("event streaming should be off without WithBroker")
	}
}

func TestServer_NewServerWithOptions(t *testing.T) {
	h, _ := setupTestHandler(t)
	broker := stream.NewBroker(nil)
	srv := NewServer(h, WithCodec(MsgpackCodec{}), WithPath("/rpc-batch"), WithBroker(broker))

	if srv.BasePath() != "/rpc-batch" {
		t.Errorf("BasePath = %q", srv.BasePath())
	}
	if srv.defaultCodec.Name() != CodecNameMsgpack {
		t.Errorf("default codec = %q, want msgpack", srv.defaultCodec.Name())
	}
	if srv.Broker() != broker {
		t.Error("Broker should return the configured broker")
	}
}

func TestServer_HTTPRPC(t *testing.T) {
	ts := setupTestServer(t)
	claim := LeaseClaimRequest{LockKey: slot, JobType: reportType, Count: 1, MaxExecutionTimeMs: 30_000}

	t.Run("unauthorized", func(t *testing.T) {
		code, resp := rpc(t, ts, "bk_unknown", MethodLeaseClaim, claim)
		if code != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != ErrCodeUnauthorized {
			t.Fatalf("status = %d, frame = %+v", code, resp)
		}
	})

	t.Run("forbidden", func(t *testing.T) {
		code, resp := rpc(t, ts, "bk_reader", MethodLeaseClaim, claim)
		if code != http.StatusForbidden || resp.Error == nil || resp.Error.Code != ErrCodeForbidden {
			t.Fatalf("status = %d, frame = %+v", code, resp)
		}
	})

	t.Run("claim", func(t *testing.T) {
		code, resp := rpc(t, ts, "bk_worker", MethodLeaseClaim, claim)
		if code != http.StatusOK || resp.Type != FrameResponse {
			t.Fatalf("status = %d, frame = %+v", code, resp)
		}
		var jobs []*job.Job
		if err := json.Unmarshal(resp.Data, &jobs); err != nil {
			t.Fatalf("unmarshal jobs: %v", err)
		}
		if len(jobs) != 1 {
			t.Fatalf("claimed %d jobs, want 1", len(jobs))
		}
	})

	t.Run("subscribe needs a session", func(t *testing.T) {
		code, resp := rpc(t, ts, "bk_worker", MethodSubscribe, SubscribeRequest{Topic: "jobs"})
		if code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != ErrCodeBadRequest {
			t.Fatalf("status = %d, frame = %+v", code, resp)
		}
	})

	t.Run("bad request maps to status", func(t *testing.T) {
		code, resp := rpc(t, ts, "bk_worker", MethodLeaseClaim, LeaseClaimRequest{JobType: reportType, MaxExecutionTimeMs: 1})
		if code != http.StatusBadRequest || resp.Error == nil {
			t.Fatalf("status = %d, frame = %+v", code, resp)
		}
	})
}

func TestServer_ScopeAuthorization(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		scopes  []string
		allowed bool
	}{
		{"wildcard allows everything", MethodLeaseFree, []string{ScopeAll}, true},
		{"lease:write allows claim", MethodLeaseClaim, []string{ScopeLeaseWrite}, true},
		{"lease:write allows free", MethodLeaseFree, []string{ScopeLeaseWrite}, true},
		{"queue:read allows queue size", MethodQueueSize, []string{ScopeQueueRead}, true},
		{"job:read denies claim", MethodLeaseClaim, []string{ScopeJobRead}, false},
		{"job:read allows get", MethodJobGet, []string{ScopeJobRead}, true},
		{"job:read denies abort", MethodJobAbort, []string{ScopeJobRead}, false},
		{"lease:write denies abort", MethodJobAbort, []string{ScopeLeaseWrite}, false},
		{"events:read allows subscribe", MethodSubscribe, []string{ScopeSubscribe}, true},
		{"events:read allows unsubscribe", MethodUnsubscribe, []string{ScopeSubscribe}, true},
		{"events:read denies claim", MethodLeaseClaim, []string{ScopeSubscribe}, false},
		{"job:read denies subscribe", MethodSubscribe, []string{ScopeJobRead}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity := &Identity{Subject: "test", Scopes: tt.scopes}
			allowed := identity.HasScope(RequiredScope(tt.method))
			if allowed != tt.allowed {
				t.Errorf("allowed = %v, want %v", allowed, tt.allowed)
			}
		})
	}
}
