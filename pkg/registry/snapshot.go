package registry

// Snapshot is a point-in-time health report emitted by a worker each
// heartbeat. It is ephemeral: the orchestrator keeps only the latest one
// per entry.
type Snapshot struct {
	WorkerID string `json:"workerId"`

	CurrentPartitionID    int  `json:"currentPartitionId"`
	CurrentPartitionCount int  `json:"currentPartitionCount"`
	GoalPartitionID       int  `json:"goalPartitionId"`
	GoalPartitionCount    int  `json:"goalPartitionCount"`
	IsMaster              bool `json:"isMaster"`

	// MemoryBytes is the child's resident memory usage.
	MemoryBytes uint64 `json:"memoryBytes"`
	// CPULoadDeltas holds one load figure per core, as the change since the
	// previous snapshot.
	CPULoadDeltas []float64 `json:"cpuLoadDeltas,omitempty"`

	// MessagesHandled is the child's activity counter; MessagesDelta is the
	// change since the previous snapshot.
	MessagesHandled uint64 `json:"messagesHandled"`
	MessagesDelta   uint64 `json:"messagesDelta"`

	DiskTotalBytes uint64 `json:"diskTotalBytes"`
	DiskFreeBytes  uint64 `json:"diskFreeBytes"`

	// BootMillis is when the child last started, unix milliseconds.
	BootMillis int64 `json:"bootMillis,omitempty"`
	// TimestampMillis is when the snapshot was taken; DeltaMillis is the
	// time since the previous one.
	TimestampMillis int64 `json:"timestampMillis"`
	DeltaMillis     int64 `json:"deltaMillis"`
}
