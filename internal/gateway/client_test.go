package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tasklinker/backend/internal/apperr"
)

func newTestClient(t *testing.T, h http.HandlerFunc, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "sk_test_secret", timeout)
}

func TestVerifyTransaction_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transaction/verify/fund_ref_1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_secret" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"status":true,"message":"ok","data":{
			"reference":"fund_ref_1","status":"success","amount":50000,"currency":"NGN",
			"metadata":{"milestone_id":"m1","escrow_id":"e1","task_id":"t1"}}}`))
	}, time.Second)

	tx, err := c.VerifyTransaction(context.Background(), "fund_ref_1")
	if err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	if tx.Status != StatusSuccess || tx.Amount != 50000 {
		t.Errorf("got status=%q amount=%d", tx.Status, tx.Amount)
	}
	if tx.Metadata.MilestoneID != "m1" || tx.Metadata.EscrowID != "e1" || tx.Metadata.TaskID != "t1" {
		t.Errorf("metadata = %+v", tx.Metadata)
	}
}

func TestVerifyTransaction_MetadataAsString(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":true,"data":{"reference":"r","status":"success","amount":1,
			"metadata":"{\"milestone_id\":\"m9\"}"}}`))
	}, time.Second)

	tx, err := c.VerifyTransaction(context.Background(), "r")
	if err != nil {
		t.Fatalf("VerifyTransaction: %v", err)
	}
	if tx.Metadata.MilestoneID != "m9" {
		t.Errorf("MilestoneID = %q, want m9", tx.Metadata.MilestoneID)
	}
}

func TestClient_ServerErrorIsUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, time.Second)

	_, err := c.VerifyTransaction(context.Background(), "r")
	if !errors.Is(err, apperr.ErrGatewayUnavailable) {
		t.Fatalf("expected GatewayUnavailable, got %v", err)
	}
}

func TestClient_TimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)

	start := time.Now()
	_, err := c.VerifyTransaction(context.Background(), "r")
	if !errors.Is(err, apperr.ErrGatewayUnavailable) {
		t.Fatalf("expected GatewayUnavailable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("call was not bounded by the timeout")
	}
}

func TestClient_ClientErrorIsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":false,"message":"Duplicate Transaction Reference"}`))
	}, time.Second)

	_, err := c.InitiateTransfer(context.Background(), TransferRequest{RecipientCode: "RCP_1", Amount: 100, Reference: "payout_x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "Duplicate Transaction Reference" {
		t.Errorf("got %+v", apiErr)
	}
	if errors.Is(err, apperr.ErrGatewayUnavailable) {
		t.Error("4xx must not be reported as unavailable")
	}
}

func TestInitiateTransfer_SendsReference(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/transfer" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"status":true,"data":{"status":"pending","transfer_code":"TRF_1","reference":"payout_m1"}}`))
	}, time.Second)

	tr, err := c.InitiateTransfer(context.Background(), TransferRequest{RecipientCode: "RCP_1", Amount: 5000, Reference: "payout_m1", Reason: "milestone"})
	if err != nil {
		t.Fatalf("InitiateTransfer: %v", err)
	}
	if tr.TransferCode != "TRF_1" {
		t.Errorf("TransferCode = %q", tr.TransferCode)
	}
	if got["reference"] != "payout_m1" || got["recipient"] != "RCP_1" || got["amount"] != float64(5000) {
		t.Errorf("request body = %v", got)
	}
}

func TestCreateTransferRecipient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transferrecipient" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":true,"data":{"recipient_code":"RCP_abc"}}`))
	}, time.Second)

	code, err := c.CreateTransferRecipient(context.Background(), BankDetails{Name: "Ada", AccountNumber: "0123456789", BankCode: "058"})
	if err != nil {
		t.Fatalf("CreateTransferRecipient: %v", err)
	}
	if code != "RCP_abc" {
		t.Errorf("code = %q", code)
	}
}

func TestInitializeTransaction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Metadata Metadata `json:"metadata"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Metadata.MilestoneID != "m1" {
			t.Errorf("metadata = %+v", body.Metadata)
		}
		_, _ = w.Write([]byte(`{"status":true,"data":{"authorization_url":"https://checkout.example/abc","access_code":"abc","reference":"fund_m1_x"}}`))
	}, time.Second)

	auth, err := c.InitializeTransaction(context.Background(), InitializeRequest{
		Email: "client@example.com", Amount: 50000, Reference: "fund_m1_x", Metadata: Metadata{MilestoneID: "m1"},
	})
	if err != nil {
		t.Fatalf("InitializeTransaction: %v", err)
	}
	if auth.AuthorizationURL != "https://checkout.example/abc" {
		t.Errorf("AuthorizationURL = %q", auth.AuthorizationURL)
	}
}
