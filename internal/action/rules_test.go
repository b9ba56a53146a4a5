package action

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClassify(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		name   string
		method string
		url    string
		risky  bool
	}{
		{"create order", "POST", "/api/pos/orders", false},
		{"pay order", "POST", "/api/pos/orders/order-123/pay", true},
		{"void order", "POST", "/api/pos/orders/order-123/void", true},
		{"close order", "POST", "/api/pos/orders/order-123/close", true},
		{"add items", "POST", "/api/pos/orders/order-123/items", true},
		{"read order", "GET", "/api/pos/orders/order-123/pay", false},
		{"pay with query", "POST", "/api/pos/orders/order-123/pay?tip=1", true},
		{"unrelated create", "POST", "/api/pos/reservations", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := QueuedAction{URL: tt.url, Method: tt.method}
			_, risky := rules.Classify(a)
			if risky != tt.risky {
				t.Errorf("Classify(%s %s) risky = %v, want %v", tt.method, tt.url, risky, tt.risky)
			}
		})
	}
}

func TestConflictRoot(t *testing.T) {
	rules := DefaultRules()

	a := QueuedAction{URL: "/api/pos/orders/order-123/pay", Method: "POST"}
	if got := rules.ConflictRoot(a); got != "/api/pos/orders/order-123" {
		t.Errorf("ConflictRoot = %q, want /api/pos/orders/order-123", got)
	}

	a = QueuedAction{URL: "/api/pos/orders/order-123/pay?tip=1", Method: "POST"}
	if got := rules.ConflictRoot(a); got != "/api/pos/orders/order-123" {
		t.Errorf("ConflictRoot with query = %q, want /api/pos/orders/order-123", got)
	}
}

func TestRuleIncompatible(t *testing.T) {
	rule := Rule{IncompatibleStatuses: []string{"PAID", "CLOSED"}}

	if !rule.Incompatible("CLOSED") {
		t.Error("CLOSED should be incompatible")
	}
	if !rule.Incompatible("closed") {
		t.Error("status match should be case-insensitive")
	}
	if rule.Incompatible("OPEN") {
		t.Error("OPEN should not be incompatible")
	}
}

func TestLabel(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		method string
		url    string
		want   string
	}{
		{"POST", "/api/pos/orders", "Create order"},
		{"POST", "/api/pos/orders/order-123/pay", "Pay order"},
		{"POST", "/api/pos/orders/order-123/void", "Void order"},
		{"DELETE", "/api/pos/reservations", "Delete reservation"},
	}

	for _, tt := range tests {
		a := QueuedAction{URL: tt.url, Method: tt.method}
		if got := rules.Label(a); got != tt.want {
			t.Errorf("Label(%s %s) = %q, want %q", tt.method, tt.url, got, tt.want)
		}
	}
}

func TestNewGeneratesStableIdentifiers(t *testing.T) {
	a := New(Request{URL: "/api/pos/orders", Method: "post"})

	if a.ID == "" || a.IdempotencyKey == "" {
		t.Fatal("expected generated identifiers")
	}
	if a.ID == a.IdempotencyKey {
		t.Error("id and idempotency key should be distinct")
	}
	if a.Method != "POST" {
		t.Errorf("method = %q, want POST", a.Method)
	}
	if a.CreatedAt.IsZero() {
		t.Error("expected createdAt to be set")
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	content := `
- suffix: /refund
  label: Refund order
  incompatibleStatuses: [REFUNDED, VOIDED]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}

	a := QueuedAction{URL: "/api/pos/orders/order-1/refund", Method: "POST"}
	rule, risky := rules.Classify(a)
	if !risky {
		t.Fatal("expected /refund to be risky under loaded rules")
	}
	if !rule.Incompatible("REFUNDED") {
		t.Error("expected REFUNDED to be incompatible")
	}

	// Loaded rules replace the defaults entirely.
	if _, risky := rules.Classify(QueuedAction{URL: "/api/pos/orders/order-1/pay", Method: "POST"}); risky {
		t.Error("default /pay rule should not survive an override file")
	}
}

func TestLoadRulesMissingFile(t *testing.T) {
	rules, err := LoadRules(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should fall back to defaults, got %v", err)
	}
	if _, risky := rules.Classify(QueuedAction{URL: "/api/pos/orders/o/pay", Method: "POST"}); !risky {
		t.Error("expected default rules")
	}
}
