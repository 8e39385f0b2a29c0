package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	EntriesOpened  Counter
	PositionsClose Counter
	ScaleIns       Counter
	Compensations  Counter
	BreakerTrips   Counter
	CycleErrors    Counter
	OrdersPlaced   Counter
	OrdersFailed   Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		EntriesOpened:  n,
		PositionsClose: n,
		ScaleIns:       n,
		Compensations:  n,
		BreakerTrips:   n,
		CycleErrors:    n,
		OrdersPlaced:   n,
		OrdersFailed:   n,
	}
}
