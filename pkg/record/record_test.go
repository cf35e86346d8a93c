package record

import (
	"encoding/json"
	"testing"
)

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		desc    Descriptor
		wantErr bool
	}{
		{name: "valid", desc: Descriptor{SourceFile: "a.json", StartIndex: 0, EndIndex: 2, ExpectedSize: 2}},
		{name: "empty range", desc: Descriptor{SourceFile: "a.json", StartIndex: 2, EndIndex: 2}, wantErr: true},
		{name: "size mismatch", desc: Descriptor{SourceFile: "a.json", StartIndex: 0, EndIndex: 2, ExpectedSize: 3}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected error but got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestPayload(t *testing.T) {
	body, err := Payload(DataKeyHouseholds, []Record{Record(`{"id":1}`)})
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if string(body) != `{"households":[{"id":1}]}` {
		t.Errorf("Payload() = %s", body)
	}

	empty, err := Payload(DataKeyCustomers, nil)
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if string(empty) != `{"data":[]}` {
		t.Errorf("Payload(nil) = %s", empty)
	}
}

func TestFields(t *testing.T) {
	raw := Record(`{
		"person": {
			"customerId": "C-1",
			"firstName": "Anna",
			"lastName": "Svensson",
			"customerCards": [{"number": "9752001", "type": "MEMBER", "scope": "GLOBAL"}, {"type": "X"}]
		},
		"householdId": 42
	}`)
	f := ParseFields(raw)

	if got := f.FirstOf(DefaultIDPaths); got != "C-1" {
		t.Errorf("FirstOf(DefaultIDPaths) = %q, want C-1", got)
	}
	if got := f.Lookup("householdId"); got != "42" {
		t.Errorf("Lookup(householdId) = %q, want 42", got)
	}
	cards := f.Cards(DefaultCardPaths)
	if len(cards) != 1 || cards[0] != "9752001" {
		t.Errorf("Cards() = %v", cards)
	}
	first, last := f.Name()
	if first != "Anna" || last != "Svensson" {
		t.Errorf("Name() = %q %q", first, last)
	}

	if got := ParseFields(Record(`[1,2]`)).Lookup("id"); got != "" {
		t.Errorf("non-object record should yield empty lookup, got %q", got)
	}
}

func TestFieldsKeepLargeNumericIDs(t *testing.T) {
	f := ParseFields(Record(`{"customerId": 9007199254740993, "score": 1.5}`))
	if got := f.Lookup("customerId"); got != "9007199254740993" {
		t.Errorf("Lookup(customerId) = %q, want 9007199254740993", got)
	}
	if got := f.Lookup("score"); got != "1.5" {
		t.Errorf("Lookup(score) = %q, want 1.5", got)
	}
}

func TestDecodeJSON(t *testing.T) {
	var v map[string]any
	if err := DecodeJSON([]byte(`{"a":1} {"b":2}`), &v); err == nil {
		t.Error("DecodeJSON() accepted concatenated documents")
	}
	if err := DecodeJSON([]byte(" {\"a\":12345678901234567890}\n"), &v); err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	if n, ok := v["a"].(json.Number); !ok || n.String() != "12345678901234567890" {
		t.Errorf("a = %#v, want json.Number", v["a"])
	}
}

func TestFailureRecordHasOriginal(t *testing.T) {
	f := FailureRecord{}
	if f.HasOriginal() {
		t.Error("zero FailureRecord should not have original data")
	}

	var decoded FailureRecord
	if err := json.Unmarshal([]byte(`{"recordId":"X","originalData":null}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.HasOriginal() {
		t.Error("null originalData should not count as original data")
	}

	f.OriginalData = Record(`{"id":"X"}`)
	if !f.HasOriginal() {
		t.Error("expected original data")
	}
}
