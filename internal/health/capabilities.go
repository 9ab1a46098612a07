package health

// Capability is an operation whose availability depends on component health.
type Capability string

const (
	CapRegister    Capability = "register"
	CapRecognize   Capability = "recognize"
	CapProfileRead Capability = "profile-read"
	CapList        Capability = "list"
	CapDelete      Capability = "delete"
	CapStats       Capability = "stats"
	CapUpdate      Capability = "update"
	CapQueueWrite  Capability = "queue-write"
)

// Capabilities maps every capability to whether it is currently permitted.
type Capabilities map[Capability]bool

// Allows reports whether cap is permitted.
func (c Capabilities) Allows(cap Capability) bool {
	return c[cap]
}

// DeriveCapabilities computes permitted operations from the embedding engine
// and vector store statuses. It has no other inputs.
func DeriveCapabilities(engine, store Status) Capabilities {
	engineUp := engine == StatusHealthy
	storeUp := store == StatusHealthy
	storeReachable := store == StatusHealthy || store == StatusDegraded

	return Capabilities{
		CapRegister:    engineUp && storeReachable,
		CapRecognize:   engineUp && storeUp,
		CapProfileRead: storeUp,
		CapList:        storeUp,
		CapDelete:      storeUp,
		CapStats:       storeUp,
		CapUpdate:      storeUp,
		CapQueueWrite:  engineUp && !storeUp,
	}
}
