package model

// Subject is an account address enumerated from a registry.
type Subject string

func (s Subject) String() string {
	return string(s)
}

// Resource is a per-subject asset whose balance decides whether an action is
// needed. Resources are processed in configuration order.
type Resource struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
}

func (r Resource) String() string {
	if r.Name == "" {
		return r.Address
	}
	return r.Name
}

// Action is the state-changing call submitted for a key with a positive balance.
type Action struct {
	// Target is the contract the transaction is sent to.
	Target string
	// Calldata is the ABI-encoded call, before any oracle payload wrapping.
	Calldata []byte
	// Method is used for logging and metrics only.
	Method string
}
