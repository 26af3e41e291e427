package schedule

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPApprover(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    bool
		wantErr bool
	}{
		{"approved", http.StatusOK, `{"approved":true}`, true, false},
		{"declined", http.StatusOK, `{"approved":false}`, false, false},
		{"server error", http.StatusInternalServerError, ``, false, true},
		{"forbidden", http.StatusForbidden, ``, false, true},
		{"bad body", http.StatusOK, `nope`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCallID, gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req approvalRequest
				_ = json.NewDecoder(r.Body).Decode(&req)
				gotCallID = req.CallID
				gotAuth = r.Header.Get("Authorization")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			approver := &HTTPApprover{URL: srv.URL, Token: "tok", Attempts: 1}
			ok, err := approver.For("out-1")(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("approve error = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.want {
				t.Fatalf("approved = %v, want %v", ok, tt.want)
			}
			if gotCallID != "out-1" || gotAuth != "Bearer tok" {
				t.Fatalf("request callId=%q auth=%q", gotCallID, gotAuth)
			}
		})
	}
}

func TestHTTPApproverDisabled(t *testing.T) {
	var nilApprover *HTTPApprover
	if nilApprover.For("c1") != nil {
		t.Fatal("nil approver returned an ApproveFunc")
	}
	if (&HTTPApprover{}).For("c1") != nil {
		t.Fatal("approver without URL returned an ApproveFunc")
	}
}

func TestHTTPApproverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"approved":true}`))
	}))
	defer srv.Close()

	ok, err := (&HTTPApprover{URL: srv.URL}).For("out-2")(context.Background())
	if err != nil || !ok {
		t.Fatalf("approve = %v, %v; want true, nil", ok, err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestHTTPApproverDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := (&HTTPApprover{URL: srv.URL}).For("out-3")(context.Background()); err == nil {
		t.Fatal("expected error for 401")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}
