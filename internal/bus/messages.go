package bus

// HealthReport is published on TopicHealthCheck by the listener.
type HealthReport struct {
	State             string `json:"state"`
	CurrentSlot       uint64 `json:"currentSlot"`
	LastProcessedSlot uint64 `json:"lastProcessedSlot"`
	Lag               uint64 `json:"lag"`
	QueueDepth        int    `json:"queueDepth"`
	CatchUpTriggered  bool   `json:"catchUpTriggered"`
	Error             string `json:"error,omitempty"`
}

// ErrorReport is published on TopicError.
type ErrorReport struct {
	Component string `json:"component"`
	Message   string `json:"message"`
	Fatal     bool   `json:"fatal"`
}
