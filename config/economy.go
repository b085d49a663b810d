package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Klingon-tech/seafloor/pkg/crypto"
	"github.com/Klingon-tech/seafloor/pkg/types"
	"github.com/shopspring/decimal"
)

// =============================================================================
// Economy Rules (fixed per network)
// Every server instance sharing a database MUST use the same table, or
// balances and claim ceilings diverge.
// =============================================================================

// TokenDecimals is the number of decimals of the on-chain reward token.
const TokenDecimals = 18

// Rate limit actions.
const (
	ActionJoin    = "join"
	ActionMove    = "move"
	ActionMine    = "mine"
	ActionClaim   = "claim"
	ActionUpgrade = "upgrade"
	ActionHTTP    = "http"
	ActionConnect = "connect"
)

// Limit policies.
const (
	PolicyDrop   = "drop"
	PolicyReject = "reject"
)

// Duration is a time.Duration that reads and writes JSON as "1m30s".
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Economy holds the game economy and anti-abuse rules.
type Economy struct {
	Name string `json:"name"`

	Session  SessionRules  `json:"session"`
	Movement MovementRules `json:"movement"`
	Mining   MiningRules   `json:"mining"`

	// Resources is the closed resource table, ordered common to rare.
	Resources []ResourceRule `json:"resources"`
	// Tiers lists submarine tiers starting at 1.
	Tiers []TierRule `json:"tiers"`
	// TokenRates is the single table converting resource units to tokens.
	TokenRates map[types.ResourceType]decimal.Decimal `json:"token_rates"`

	Auth   AuthRules            `json:"auth"`
	Claims ClaimRules           `json:"claims"`
	Ledger LedgerRules          `json:"ledger"`
	Limits map[string]LimitRule `json:"limits"`
	Bans   BanRules             `json:"bans"`
}

// Bounds is an axis-aligned box of legal positions.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MaxX float64 `json:"max_x"`
	MinY float64 `json:"min_y"`
	MaxY float64 `json:"max_y"`
	MinZ float64 `json:"min_z"`
	MaxZ float64 `json:"max_z"`
}

// Contains reports whether p lies inside the box.
func (b Bounds) Contains(p types.Position) bool {
	return p.X >= b.MinX && p.X <= b.MaxX &&
		p.Y >= b.MinY && p.Y <= b.MaxY &&
		p.Z >= b.MinZ && p.Z <= b.MaxZ
}

// SessionRules controls session sizing and lifetime.
type SessionRules struct {
	Capacity        int      `json:"capacity"`
	NodesPerSession int      `json:"nodes_per_session"`
	World           Bounds   `json:"world"`
	EmptyGrace      Duration `json:"empty_grace"`
	SweepInterval   Duration `json:"sweep_interval"`
}

// MovementRules bounds how fast a submarine can travel.
type MovementRules struct {
	TopSpeed    float64  `json:"top_speed"` // units per second at tier 1
	MinInterval Duration `json:"min_interval"`
	// TeleportAllowance is extra distance granted per move, reserved for
	// abilities. Zero disables it.
	TeleportAllowance float64 `json:"teleport_allowance"`
}

// MiningRules holds the mining gates.
type MiningRules struct {
	Range        float64  `json:"range"`
	Cooldown     Duration `json:"cooldown"`
	CertaintyCap float64  `json:"certainty_cap"` // upper bound on success probability
}

// ResourceRule describes one resource type.
type ResourceRule struct {
	Type             types.ResourceType `json:"type"`
	Weight           int                `json:"weight"` // relative spawn frequency
	BaseDropRate     float64            `json:"base_drop_rate"`
	RarityMultiplier float64            `json:"rarity_multiplier"`
	MinQuantity      int64              `json:"min_quantity"`
	MaxQuantity      int64              `json:"max_quantity"`
	NodeAmount       int64              `json:"node_amount"`
	NodeSize         float64            `json:"node_size"`
	RespawnAfter     Duration           `json:"respawn_after"`
}

// TierRule describes one submarine tier.
type TierRule struct {
	Tier             int            `json:"tier"`
	MiningMultiplier float64        `json:"mining_multiplier"`
	SpeedMultiplier  float64        `json:"speed_multiplier"`
	UpgradeCost      types.Balances `json:"upgrade_cost"` // cost to reach this tier
}

// AuthRules bounds signed-proof freshness.
type AuthRules struct {
	FreshnessWindow Duration `json:"freshness_window"`
	FutureSkew      Duration `json:"future_skew"`
	ReplayCacheSize int      `json:"replay_cache_size"`
}

// ClaimRules controls claim reservations.
type ClaimRules struct {
	Expiry          Duration `json:"expiry"`
	RaceWait        Duration `json:"race_wait"`
	RaceAttempts    int      `json:"race_attempts"`
	CleanupInterval Duration `json:"cleanup_interval"`
	// MinAmount is the smallest claim in whole tokens.
	MinAmount decimal.Decimal `json:"min_amount"`
}

// LedgerRules controls the cached balance aggregate.
type LedgerRules struct {
	CacheEvery      int      `json:"cache_every"` // refresh after this many events
	StaleAfter      Duration `json:"stale_after"`
	RefreshInterval Duration `json:"refresh_interval"`
}

// LimitRule is a token bucket for one action.
type LimitRule struct {
	Rate   float64 `json:"rate"` // events per second
	Burst  int     `json:"burst"`
	Policy string  `json:"policy"`
}

// BanRules controls offense scoring.
type BanRules struct {
	Threshold           int      `json:"threshold"`
	Duration            Duration `json:"duration"`
	BadSignaturePenalty int      `json:"bad_signature_penalty"`
	TeleportPenalty     int      `json:"teleport_penalty"`
	MalformedPenalty    int      `json:"malformed_penalty"`
	DecayInterval       Duration `json:"decay_interval"`
}

// Resource returns the rule for t.
func (e *Economy) Resource(t types.ResourceType) (ResourceRule, bool) {
	for _, r := range e.Resources {
		if r.Type == t {
			return r, true
		}
	}
	return ResourceRule{}, false
}

// Tier returns the rule for tier n.
func (e *Economy) Tier(n int) (TierRule, bool) {
	for _, t := range e.Tiers {
		if t.Tier == n {
			return t, true
		}
	}
	return TierRule{}, false
}

// MaxTier returns the highest tier.
func (e *Economy) MaxTier() int {
	max := 0
	for _, t := range e.Tiers {
		if t.Tier > max {
			max = t.Tier
		}
	}
	return max
}

// TokenValue values balances at the token table. Resources without a rate
// are worth nothing.
func (e *Economy) TokenValue(b types.Balances) decimal.Decimal {
	total := decimal.Zero
	for res, n := range b {
		if n <= 0 {
			continue
		}
		total = total.Add(e.TokenRates[res].Mul(decimal.NewFromInt(n)))
	}
	return total
}

// Limit returns the rule for action, or false if the action is unthrottled.
func (e *Economy) Limit(action string) (LimitRule, bool) {
	r, ok := e.Limits[action]
	return r, ok
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// MainnetEconomy returns the mainnet economy.
func MainnetEconomy() *Economy {
	return &Economy{
		Name: "seafloor-mainnet-1",
		Session: SessionRules{
			Capacity:        20,
			NodesPerSession: 40,
			World: Bounds{
				MinX: -1000, MaxX: 1000,
				MinY: -500, MaxY: 0,
				MinZ: -1000, MaxZ: 1000,
			},
			EmptyGrace:    Duration(5 * time.Minute),
			SweepInterval: Duration(30 * time.Second),
		},
		Movement: MovementRules{
			TopSpeed:    50,
			MinInterval: Duration(50 * time.Millisecond),
		},
		Mining: MiningRules{
			Range:        12,
			Cooldown:     Duration(1500 * time.Millisecond),
			CertaintyCap: 0.95,
		},
		Resources: []ResourceRule{
			{Type: types.ResourceNickel, Weight: 50, BaseDropRate: 0.60, RarityMultiplier: 1.0, MinQuantity: 2, MaxQuantity: 5, NodeAmount: 20, NodeSize: 2.0, RespawnAfter: Duration(2 * time.Minute)},
			{Type: types.ResourceCopper, Weight: 28, BaseDropRate: 0.50, RarityMultiplier: 1.0, MinQuantity: 1, MaxQuantity: 4, NodeAmount: 15, NodeSize: 1.8, RespawnAfter: Duration(3 * time.Minute)},
			{Type: types.ResourceCobalt, Weight: 15, BaseDropRate: 0.35, RarityMultiplier: 1.1, MinQuantity: 1, MaxQuantity: 3, NodeAmount: 10, NodeSize: 1.5, RespawnAfter: Duration(5 * time.Minute)},
			{Type: types.ResourceManganese, Weight: 6, BaseDropRate: 0.25, RarityMultiplier: 1.2, MinQuantity: 1, MaxQuantity: 2, NodeAmount: 6, NodeSize: 1.2, RespawnAfter: Duration(8 * time.Minute)},
			{Type: types.ResourceRareEarth, Weight: 1, BaseDropRate: 0.12, RarityMultiplier: 1.5, MinQuantity: 1, MaxQuantity: 1, NodeAmount: 3, NodeSize: 1.0, RespawnAfter: Duration(15 * time.Minute)},
		},
		Tiers: []TierRule{
			{Tier: 1, MiningMultiplier: 1.0, SpeedMultiplier: 1.0},
			{Tier: 2, MiningMultiplier: 1.15, SpeedMultiplier: 1.1, UpgradeCost: types.Balances{types.ResourceNickel: 50, types.ResourceCopper: 20}},
			{Tier: 3, MiningMultiplier: 1.3, SpeedMultiplier: 1.2, UpgradeCost: types.Balances{types.ResourceNickel: 120, types.ResourceCopper: 60, types.ResourceCobalt: 20}},
			{Tier: 4, MiningMultiplier: 1.5, SpeedMultiplier: 1.3, UpgradeCost: types.Balances{types.ResourceCopper: 150, types.ResourceCobalt: 60, types.ResourceManganese: 20}},
			{Tier: 5, MiningMultiplier: 1.75, SpeedMultiplier: 1.45, UpgradeCost: types.Balances{types.ResourceCobalt: 150, types.ResourceManganese: 60, types.ResourceRareEarth: 10}},
		},
		TokenRates: map[types.ResourceType]decimal.Decimal{
			types.ResourceNickel:    dec("0.1"),
			types.ResourceCopper:    dec("0.25"),
			types.ResourceCobalt:    dec("0.75"),
			types.ResourceManganese: dec("2"),
			types.ResourceRareEarth: dec("10"),
		},
		Auth: AuthRules{
			FreshnessWindow: Duration(5 * time.Minute),
			FutureSkew:      Duration(30 * time.Second),
			ReplayCacheSize: 10_000,
		},
		Claims: ClaimRules{
			Expiry:          Duration(10 * time.Minute),
			RaceWait:        Duration(150 * time.Millisecond),
			RaceAttempts:    5,
			CleanupInterval: Duration(time.Minute),
			MinAmount:       dec("1"),
		},
		Ledger: LedgerRules{
			CacheEvery:      10,
			StaleAfter:      Duration(5 * time.Minute),
			RefreshInterval: Duration(time.Minute),
		},
		Limits: map[string]LimitRule{
			ActionConnect: {Rate: 1, Burst: 10, Policy: PolicyReject},
			ActionJoin:    {Rate: 0.2, Burst: 3, Policy: PolicyReject},
			ActionMove:    {Rate: 20, Burst: 40, Policy: PolicyDrop},
			ActionMine:    {Rate: 2, Burst: 4, Policy: PolicyReject},
			ActionClaim:   {Rate: 0.1, Burst: 2, Policy: PolicyReject},
			ActionUpgrade: {Rate: 0.5, Burst: 2, Policy: PolicyReject},
			ActionHTTP:    {Rate: 5, Burst: 20, Policy: PolicyReject},
		},
		Bans: BanRules{
			Threshold:           100,
			Duration:            Duration(time.Hour),
			BadSignaturePenalty: 20,
			TeleportPenalty:     10,
			MalformedPenalty:    5,
			DecayInterval:       Duration(10 * time.Minute),
		},
	}
}

// TestnetEconomy returns the testnet economy.
func TestnetEconomy() *Economy {
	e := MainnetEconomy()
	e.Name = "seafloor-testnet-1"

	// Faster loops for playtesting.
	e.Mining.Cooldown = Duration(500 * time.Millisecond)
	e.Session.EmptyGrace = Duration(time.Minute)
	e.Claims.Expiry = Duration(3 * time.Minute)
	e.Claims.MinAmount = dec("0.1")
	return e
}

// EconomyFor returns the economy for the given network.
func EconomyFor(network NetworkType) *Economy {
	switch network {
	case Testnet:
		return TestnetEconomy()
	default:
		return MainnetEconomy()
	}
}

// =============================================================================
// Economy file I/O
// =============================================================================

// LoadEconomy loads economy rules from a JSON file.
func LoadEconomy(path string) (*Economy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading economy file: %w", err)
	}

	var e Economy
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing economy file: %w", err)
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid economy: %w", err)
	}

	return &e, nil
}

// Save writes the economy rules to a file.
func (e *Economy) Save(path string) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding economy: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing economy file: %w", err)
	}

	return nil
}

// Validate checks that the economy rules are usable.
func (e *Economy) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}

	if e.Session.Capacity < 1 {
		return fmt.Errorf("session.capacity must be at least 1")
	}
	if e.Session.NodesPerSession < 1 {
		return fmt.Errorf("session.nodes_per_session must be at least 1")
	}
	w := e.Session.World
	if w.MinX >= w.MaxX || w.MinY >= w.MaxY || w.MinZ >= w.MaxZ {
		return fmt.Errorf("session.world bounds are empty")
	}

	if e.Movement.TopSpeed <= 0 {
		return fmt.Errorf("movement.top_speed must be positive")
	}
	if e.Movement.MinInterval < 0 || e.Movement.TeleportAllowance < 0 {
		return fmt.Errorf("movement limits must not be negative")
	}

	if e.Mining.Range <= 0 {
		return fmt.Errorf("mining.range must be positive")
	}
	if e.Mining.CertaintyCap <= 0 || e.Mining.CertaintyCap >= 1 {
		return fmt.Errorf("mining.certainty_cap must be in (0, 1)")
	}

	if len(e.Resources) == 0 {
		return fmt.Errorf("resources must not be empty")
	}
	seen := make(map[types.ResourceType]bool, len(e.Resources))
	for _, r := range e.Resources {
		if !r.Type.Valid() {
			return fmt.Errorf("unknown resource type %q", r.Type)
		}
		if seen[r.Type] {
			return fmt.Errorf("duplicate resource %q", r.Type)
		}
		seen[r.Type] = true
		if r.Weight < 1 {
			return fmt.Errorf("resource %s: weight must be at least 1", r.Type)
		}
		if r.BaseDropRate <= 0 || r.RarityMultiplier <= 0 {
			return fmt.Errorf("resource %s: drop rate and rarity multiplier must be positive", r.Type)
		}
		if r.MinQuantity < 1 || r.MaxQuantity < r.MinQuantity || r.NodeAmount < 1 {
			return fmt.Errorf("resource %s: bad quantity range", r.Type)
		}
		rate, ok := e.TokenRates[r.Type]
		if !ok || !rate.IsPositive() {
			return fmt.Errorf("resource %s: token rate must be positive", r.Type)
		}
	}
	for t := range e.TokenRates {
		if !seen[t] {
			return fmt.Errorf("token rate for unknown resource %q", t)
		}
	}

	if len(e.Tiers) == 0 {
		return fmt.Errorf("tiers must not be empty")
	}
	for i, t := range e.Tiers {
		if t.Tier != i+1 {
			return fmt.Errorf("tiers must be numbered 1..n in order")
		}
		if t.MiningMultiplier < 1 || t.SpeedMultiplier < 1 {
			return fmt.Errorf("tier %d: multipliers must be at least 1", t.Tier)
		}
		for res, amt := range t.UpgradeCost {
			if !seen[res] || amt < 0 {
				return fmt.Errorf("tier %d: bad upgrade cost for %q", t.Tier, res)
			}
		}
	}

	if e.Auth.FreshnessWindow <= 0 {
		return fmt.Errorf("auth.freshness_window must be positive")
	}
	if e.Claims.Expiry <= 0 || e.Claims.RaceAttempts < 1 {
		return fmt.Errorf("claims.expiry and claims.race_attempts must be positive")
	}
	if e.Ledger.CacheEvery < 1 {
		return fmt.Errorf("ledger.cache_every must be at least 1")
	}

	for action, l := range e.Limits {
		if l.Rate <= 0 || l.Burst < 1 {
			return fmt.Errorf("limit %s: rate and burst must be positive", action)
		}
		if l.Policy != PolicyDrop && l.Policy != PolicyReject {
			return fmt.Errorf("limit %s: policy must be %q or %q", action, PolicyDrop, PolicyReject)
		}
	}

	if e.Bans.Threshold < 1 {
		return fmt.Errorf("bans.threshold must be at least 1")
	}
	return nil
}

// Hash returns a BLAKE3 hash of the economy rules.
// Logged at startup so operators can spot instances running different tables.
func (e *Economy) Hash() (types.Hash, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
