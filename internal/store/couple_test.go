package store

import (
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/dukerupert/finepair/internal/database"
)

type testStores struct {
	couples    *CoupleStore
	profiles   *ProfileStore
	rules      *RuleStore
	violations *ViolationStore
	rewards    *RewardStore
	db         *sql.DB
}

func setupTestDB(t *testing.T) testStores {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return testStores{
		couples:    NewCoupleStore(db),
		profiles:   NewProfileStore(db),
		rules:      NewRuleStore(db),
		violations: NewViolationStore(db),
		rewards:    NewRewardStore(db),
		db:         db,
	}
}

// pairedCouple creates profiles u1 and u2 and a couple holding both.
func pairedCouple(t *testing.T, s testStores) string {
	t.Helper()
	for _, id := range []string{"u1", "u2"} {
		if _, err := s.profiles.Ensure(id, strings.ToUpper(id)); err != nil {
			t.Fatalf("ensure profile: %v", err)
		}
	}
	c, err := s.couples.Create("Us", "u1")
	if err != nil {
		t.Fatalf("create couple: %v", err)
	}
	if _, err := s.couples.JoinByCode(c.JoinCode, "u2"); err != nil {
		t.Fatalf("join couple: %v", err)
	}
	return c.ID
}

func TestNewJoinCode(t *testing.T) {
	code, err := NewJoinCode()
	if err != nil {
		t.Fatalf("join code: %v", err)
	}
	if len(code) != joinCodeLength {
		t.Errorf("len = %d, want %d", len(code), joinCodeLength)
	}
	for _, r := range code {
		if !strings.ContainsRune(joinCodeAlphabet, r) {
			t.Errorf("unexpected character %q in %s", r, code)
		}
	}
}

func TestCoupleCreateAndJoin(t *testing.T) {
	s := setupTestDB(t)
	s.profiles.Ensure("u1", "Ann")
	s.profiles.Ensure("u2", "Bo")
	s.profiles.Ensure("u3", "Cy")

	c, err := s.couples.Create("Us", "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Partner1ID == nil || *c.Partner1ID != "u1" {
		t.Fatalf("partner 1 = %v, want u1", c.Partner1ID)
	}
	if c.Partner2ID != nil {
		t.Errorf("partner 2 = %v, want nil", *c.Partner2ID)
	}
	if !c.IsActive || c.Balance != 0 {
		t.Errorf("new couple = %+v", c)
	}

	if _, err := s.couples.JoinByCode(c.JoinCode, "u1"); !errors.Is(err, ErrAlreadyPartner) {
		t.Errorf("self join err = %v, want ErrAlreadyPartner", err)
	}

	joined, err := s.couples.JoinByCode(strings.ToLower(c.JoinCode), "u2")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if other, ok := joined.PartnerOf("u1"); !ok || other != "u2" {
		t.Errorf("PartnerOf(u1) = %q, %v", other, ok)
	}

	if _, err := s.couples.JoinByCode(c.JoinCode, "u3"); !errors.Is(err, ErrCoupleFull) {
		t.Errorf("third join err = %v, want ErrCoupleFull", err)
	}
	if _, err := s.couples.JoinByCode("NOPE00", "u3"); !errors.Is(err, ErrCoupleNotFound) {
		t.Errorf("bad code err = %v, want ErrCoupleNotFound", err)
	}
}

func TestCoupleLookups(t *testing.T) {
	s := setupTestDB(t)
	id := pairedCouple(t, s)

	got, err := s.couples.ForUser("u2")
	if err != nil {
		t.Fatalf("for user: %v", err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("ForUser = %+v, want %s", got, id)
	}

	ok, err := s.couples.IsPartner(id, "u1")
	if err != nil || !ok {
		t.Errorf("IsPartner(u1) = %v, %v", ok, err)
	}
	ok, _ = s.couples.IsPartner(id, "stranger")
	if ok {
		t.Error("stranger should not be a partner")
	}

	missing, err := s.couples.GetByID("missing")
	if err != nil || missing != nil {
		t.Errorf("GetByID(missing) = %v, %v; want nil, nil", missing, err)
	}

	renamed, err := s.couples.Rename(id, "The Two")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Name != "The Two" {
		t.Errorf("name = %q", renamed.Name)
	}
}

func TestProfileSharesCouple(t *testing.T) {
	s := setupTestDB(t)
	pairedCouple(t, s)
	s.profiles.Ensure("u3", "Cy")

	if ok, _ := s.profiles.SharesCouple("u1", "u2"); !ok {
		t.Error("u1 and u2 should share a couple")
	}
	if ok, _ := s.profiles.SharesCouple("u1", "u3"); ok {
		t.Error("u1 and u3 should not share a couple")
	}

	avatar := "https://example.com/a.png"
	p, err := s.profiles.Update("u1", "Annie", &avatar)
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if p.DisplayName != "Annie" || p.AvatarURL == nil || *p.AvatarURL != avatar {
		t.Errorf("profile = %+v", p)
	}

	again, err := s.profiles.Ensure("u1", "ignored")
	if err != nil {
		t.Fatalf("ensure existing: %v", err)
	}
	if again.DisplayName != "Annie" {
		t.Errorf("Ensure overwrote display name: %q", again.DisplayName)
	}
}
