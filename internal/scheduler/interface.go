package scheduler

import (
	"github.com/mattjoyce/hapiq/internal/dispatch"
	"github.com/mattjoyce/hapiq/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_submitter.go -package=mocks github.com/mattjoyce/hapiq/internal/scheduler Submitter

// Submitter defines the dispatch operation used by the scheduler.
type Submitter interface {
	Submit(workType protocol.WorkType, args protocol.Args, cb dispatch.Callback) (*dispatch.Handle, error)
}
