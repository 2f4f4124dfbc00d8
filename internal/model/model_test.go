package model

import "testing"

func strPtr(s string) *string { return &s }

func TestPartnerOf(t *testing.T) {
	c := Couple{ID: "c1", Partner1ID: strPtr("u1"), Partner2ID: strPtr("u2")}

	if got, ok := c.PartnerOf("u1"); !ok || got != "u2" {
		t.Errorf("PartnerOf(u1) = %q, %v, want u2, true", got, ok)
	}
	if got, ok := c.PartnerOf("u2"); !ok || got != "u1" {
		t.Errorf("PartnerOf(u2) = %q, %v, want u1, true", got, ok)
	}
	if _, ok := c.PartnerOf("stranger"); ok {
		t.Error("expected no partner for non-member")
	}
}

func TestPartnerOfIncompleteCouple(t *testing.T) {
	pending := Couple{ID: "c1", Partner1ID: strPtr("u1")}
	if _, ok := pending.PartnerOf("u1"); ok {
		t.Error("expected no partner when partner_2_id is null")
	}

	empty := Couple{ID: "c2"}
	if _, ok := empty.PartnerOf("u1"); ok {
		t.Error("expected no partner when both ids are null")
	}
	if empty.Complete() {
		t.Error("empty couple should not be complete")
	}
}

func TestHasPartner(t *testing.T) {
	c := Couple{Partner1ID: strPtr("u1")}
	if !c.HasPartner("u1") {
		t.Error("expected u1 to be a partner")
	}
	if c.HasPartner("u2") {
		t.Error("u2 should not be a partner")
	}
	if c.HasPartner("") {
		t.Error("empty user id should never match")
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		minor int64
		want  string
	}{
		{0, "0.00"},
		{3000, "30.00"},
		{-250, "-2.50"},
		{5, "0.05"},
	}
	for _, tt := range tests {
		if got := FormatAmount(tt.minor); got != tt.want {
			t.Errorf("FormatAmount(%d) = %q, want %q", tt.minor, got, tt.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	got, err := ParseAmount("12.5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != 1250 {
		t.Errorf("ParseAmount(12.5) = %d, want 1250", got)
	}

	if _, err := ParseAmount("abc"); err == nil {
		t.Error("expected error for non-numeric input")
	}
}

func TestRecordTables(t *testing.T) {
	records := map[string]Record{
		TableCouples:    Couple{ID: "a"},
		TableRules:      Rule{ID: "b"},
		TableViolations: Violation{ID: "c"},
		TableRewards:    Reward{ID: "d"},
		TableProfiles:   Profile{ID: "e"},
	}
	for table, r := range records {
		if r.Table() != table {
			t.Errorf("Table() = %q, want %q", r.Table(), table)
		}
		if r.RecordID() == "" {
			t.Errorf("%s: empty record id", table)
		}
	}
}
