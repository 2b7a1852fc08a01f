package hyperfleet

// Registry key schema. All control-plane state lives under these
// prefixes in the membership store.
const (
	PrefixMachines   = "machines/"
	PrefixRoles      = "roles/"
	PrefixOffers     = "offers/"
	PrefixStatus     = "status/"
	PrefixLeases     = "leases/machines/"
	PrefixTokens     = "tokens/"
	PrefixHeartbeats = "heartbeats/"
)

func MachineKey(id string) string     { return PrefixMachines + id }
func TargetKey(role string) string    { return PrefixRoles + role + "/target" }
func OfferKey(name string) string     { return PrefixOffers + name }
func StatusKey(machine string) string { return PrefixStatus + machine }
func LeaseKey(machine string) string  { return PrefixLeases + machine }
func TokenKey(name string) string     { return PrefixTokens + name }
func HeartbeatKey(id string) string   { return PrefixHeartbeats + id }
