package config

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/Klingon-tech/seafloor/pkg/types"
)

func TestEconomy_BuiltinsValid(t *testing.T) {
	for _, n := range []NetworkType{Mainnet, Testnet} {
		if err := EconomyFor(n).Validate(); err != nil {
			t.Errorf("%s economy invalid: %v", n, err)
		}
	}
}

func TestEconomy_Lookups(t *testing.T) {
	e := MainnetEconomy()

	r, ok := e.Resource(types.ResourceRareEarth)
	if !ok || r.Weight != 1 {
		t.Errorf("Resource(rare_earth) = %+v, %v", r, ok)
	}
	if _, ok := e.Resource("gold"); ok {
		t.Error("Resource(gold) should not exist")
	}

	if e.MaxTier() != 5 {
		t.Errorf("MaxTier() = %d, want 5", e.MaxTier())
	}
	tier, ok := e.Tier(3)
	if !ok || tier.UpgradeCost[types.ResourceCobalt] != 20 {
		t.Errorf("Tier(3) = %+v", tier)
	}

	if l, ok := e.Limit(ActionMove); !ok || l.Policy != PolicyDrop {
		t.Errorf("move limit = %+v, %v", l, ok)
	}
	if e.Session.Capacity != 20 {
		t.Errorf("capacity = %d, want 20", e.Session.Capacity)
	}
	if e.Session.EmptyGrace.Std() != 5*time.Minute {
		t.Errorf("empty grace = %v, want 5m", e.Session.EmptyGrace.Std())
	}
}

func TestEconomy_RarityOrder(t *testing.T) {
	e := MainnetEconomy()
	for i := 1; i < len(e.Resources); i++ {
		if e.Resources[i].Weight >= e.Resources[i-1].Weight {
			t.Errorf("%s should be rarer than %s", e.Resources[i].Type, e.Resources[i-1].Type)
		}
	}
}

func TestEconomy_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "economy.json")
	want := TestnetEconomy()
	if err := want.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err := LoadEconomy(path)
	if err != nil {
		t.Fatalf("LoadEconomy() error: %v", err)
	}
	if got.Mining.Cooldown != want.Mining.Cooldown {
		t.Errorf("cooldown = %v, want %v", got.Mining.Cooldown.Std(), want.Mining.Cooldown.Std())
	}
	if !got.TokenRates[types.ResourceCopper].Equal(want.TokenRates[types.ResourceCopper]) {
		t.Errorf("copper rate = %s", got.TokenRates[types.ResourceCopper])
	}

	h1, _ := got.Hash()
	h2, _ := want.Hash()
	if h1 != h2 {
		t.Error("hash changed across save/load")
	}
}

func TestEconomy_HashDiffersByNetwork(t *testing.T) {
	h1, _ := MainnetEconomy().Hash()
	h2, _ := TestnetEconomy().Hash()
	if h1 == h2 {
		t.Error("mainnet and testnet economies should hash differently")
	}
}

func TestEconomy_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Economy)
	}{
		{"no name", func(e *Economy) { e.Name = "" }},
		{"zero capacity", func(e *Economy) { e.Session.Capacity = 0 }},
		{"empty world", func(e *Economy) { e.Session.World.MaxX = e.Session.World.MinX }},
		{"certainty cap 1", func(e *Economy) { e.Mining.CertaintyCap = 1 }},
		{"unknown resource", func(e *Economy) { e.Resources[0].Type = "gold" }},
		{"inverted quantity", func(e *Economy) { e.Resources[0].MinQuantity = 9; e.Resources[0].MaxQuantity = 2 }},
		{"missing rate", func(e *Economy) { delete(e.TokenRates, types.ResourceNickel) }},
		{"tier gap", func(e *Economy) { e.Tiers[2].Tier = 7 }},
		{"bad policy", func(e *Economy) { e.Limits[ActionMine] = LimitRule{Rate: 1, Burst: 1, Policy: "ignore"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := MainnetEconomy()
			tt.mutate(e)
			if err := e.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"1m30s"`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Errorf("d = %v, want 1m30s", d.Std())
	}
	if err := json.Unmarshal([]byte(`90`), &d); err == nil {
		t.Error("bare numbers should be rejected")
	}
	out, _ := json.Marshal(Duration(1500 * time.Millisecond))
	if string(out) != `"1.5s"` {
		t.Errorf("marshal = %s, want \"1.5s\"", out)
	}
}

func TestBounds_Contains(t *testing.T) {
	b := MainnetEconomy().Session.World
	if !b.Contains(types.Position{X: 0, Y: -10, Z: 0}) {
		t.Error("origin below surface should be inside")
	}
	if b.Contains(types.Position{X: 0, Y: 10, Z: 0}) {
		t.Error("above surface should be outside")
	}
}
