package op

// Observer is notified of experiment lifecycle events.
type Observer interface {
	WorldCreated()
	RepairAttempted(outcome RepairOutcome)
	Finalized(report FinalizeReport)
}

type nopObserver struct{}

func (nopObserver) WorldCreated() {}

func (nopObserver) RepairAttempted(RepairOutcome) {}

func (nopObserver) Finalized(FinalizeReport) {}
