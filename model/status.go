package model

// DaemonStatus is the aggregate snapshot the health endpoint and the
// watch dashboard poll from the running control loop.
type DaemonStatus struct {
	StartTime int64

	CPUPct float64
	MemPct float64
	NetPct float64
	LoadNow float64

	CPUAvg *float64
	MemAvg *float64
	NetAvg *float64
	LoadAvg *float64

	Duty      float64
	NetRate   float64
	Paused    bool
	PauseReason string

	CPUTarget float64
	MemTarget float64
	NetTarget float64

	Controller ControllerStatus
	Network    NetworkStatus
	Ring       RingSnapshot

	StoreDegraded   bool
	StoreDegradedN  int
	SampleCount7d   int

	CPUP95  *float64
	MemP95  *float64
	NetP95  *float64
	LoadP95 *float64
}
