package types

// ResourceType names a mineable resource. The set of valid values is closed
// and defined by the economy rules in config.
type ResourceType string

// Resource types known to the economy.
const (
	ResourceNickel    ResourceType = "nickel"
	ResourceCopper    ResourceType = "copper"
	ResourceCobalt    ResourceType = "cobalt"
	ResourceManganese ResourceType = "manganese"
	ResourceRareEarth ResourceType = "rare_earth"
)

// AllResources lists every resource type in rarity order, most common first.
var AllResources = []ResourceType{
	ResourceNickel,
	ResourceCopper,
	ResourceCobalt,
	ResourceManganese,
	ResourceRareEarth,
}

// Valid reports whether r is one of AllResources.
func (r ResourceType) Valid() bool {
	for _, known := range AllResources {
		if r == known {
			return true
		}
	}
	return false
}

// Balances maps resource types to signed quantities.
type Balances map[ResourceType]int64

// Clone returns an independent copy.
func (b Balances) Clone() Balances {
	out := make(Balances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}
