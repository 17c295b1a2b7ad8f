// ABOUTME: Per-device and batch connection results
// ABOUTME: Results keep the order of the request, not of completion
package orchestrator

// Status is the terminal state of one device in a batch
type Status string

const (
	StatusConnected            Status = "connected"
	StatusDeviceNotFound       Status = "device_not_found"
	StatusBondingFailed        Status = "bonding_failed"
	StatusProfileConnectFailed Status = "profile_connect_failed"
)

// Outcome summarizes a batch
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// DeviceResult is the result for one requested device
type DeviceResult struct {
	DeviceID string `json:"id"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
	Err      error  `json:"-"`
}

// BatchResult is the aggregate of a ConnectMultiple call
type BatchResult struct {
	Outcome Outcome        `json:"outcome"`
	Results []DeviceResult `json:"results"`
}

// Connected returns the ids that connected, in request order
func (b *BatchResult) Connected() []string {
	var ids []string
	for _, r := range b.Results {
		if r.Status == StatusConnected {
			ids = append(ids, r.DeviceID)
		}
	}
	return ids
}

// Failures returns the results that did not connect, in request order
func (b *BatchResult) Failures() []DeviceResult {
	var failed []DeviceResult
	for _, r := range b.Results {
		if r.Status != StatusConnected {
			failed = append(failed, r)
		}
	}
	return failed
}

func newDeviceResult(id string, err error) DeviceResult {
	r := DeviceResult{DeviceID: id, Status: classify(err), Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// fold computes the outcome once every result is terminal
func fold(results []DeviceResult) *BatchResult {
	connected := 0
	for _, r := range results {
		if r.Status == StatusConnected {
			connected++
		}
	}

	outcome := OutcomePartial
	switch connected {
	case 0:
		outcome = OutcomeFailed
	case len(results):
		outcome = OutcomeSuccess
	}
	return &BatchResult{Outcome: outcome, Results: results}
}
