package fsm

// FlashRequest is the FSM input. It carries only what survives a restart;
// the live job is looked up by JobID.
type FlashRequest struct {
	JobID        string
	DeviceID     string
	DevicePath   string
	ImagePath    string
	Family       string
	OpenCorePath string
}

// FlashResponse is the FSM output, accumulated across transitions.
type FlashResponse struct {
	// From Submit
	RecordID int64

	// From Validating
	Family         string
	Scheme         string
	DataFilesystem string
	Split          bool

	// From Copying
	BytesWritten int64
	SourceSHA256 string

	// From Done/Failed
	State           string
	ErrorKind       string
	ErrorMessage    string
	DeviceDestroyed bool
}

// State names, in pipeline order. They match job.State values.
const (
	StateValidating    = "validating"
	StateUnmounting    = "unmounting"
	StatePartitioning  = "partitioning"
	StateFormatting    = "formatting"
	StateCopying       = "copying"
	StateBootstrapping = "bootstrapping"
	StateVerifying     = "verifying"
	StateDone          = "done"
	StateFailed        = "failed"
)
