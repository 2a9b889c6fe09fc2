package download

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"novelfetch/lib/errkind"

	"github.com/google/uuid"
)

type Status int

const (
	Queued Status = iota
	Downloading
	Succeeded
	Failed
	Cancelled
	Paused
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case Downloading:
		return "downloading"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Paused:
		return "paused"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

var transitions = map[Status][]Status{
	Queued:      {Downloading},
	Downloading: {Succeeded, Failed, Cancelled, Paused},
	Paused:      {Downloading, Cancelled},
}

func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal task transition %s -> %s", e.From, e.To)
}

type ModeKind int

const (
	FullBook ModeKind = iota
	Range
	LatestN
)

// Mode selects which table of contents entries a task downloads.
type Mode struct {
	Kind ModeKind
	// Start and End bound a Range as [Start, End) of chapter index numbers.
	Start int
	End   int
	// N is the number of trailing chapters of a LatestN.
	N int
}

func FullBookMode() Mode {
	return Mode{Kind: FullBook}
}

func RangeMode(start, end int) Mode {
	return Mode{Kind: Range, Start: start, End: end}
}

func LatestNMode(n int) Mode {
	return Mode{Kind: LatestN, N: n}
}

// Bounds is the [lo, hi) window of chapter indexes the mode covers in a table
// of contents of total entries.
func (m Mode) Bounds(total int) (lo, hi int) {
	switch m.Kind {
	case Range:
		lo = max(0, m.Start)
		hi = min(total, m.End)
	case LatestN:
		lo = max(0, total-max(0, m.N))
		hi = total
	default:
		lo, hi = 0, total
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

func (m Mode) String() string {
	switch m.Kind {
	case Range:
		return fmt.Sprintf("range[%d,%d)", m.Start, m.End)
	case LatestN:
		return fmt.Sprintf("latest-%d", m.N)
	}
	return "full"
}

// Request is what a caller asks to download.
type Request struct {
	SourceID  int
	DetailURL string
	// TocURL is the resolved table of contents url, as stored on a book. When
	// set it is fetched as is and DetailURL may be empty.
	TocURL string
	Title  string
	Author string
	Mode   Mode
}

type Transition struct {
	From Status
	To   Status
	At   time.Time
}

// Snapshot is an immutable copy of a task's state.
type Snapshot struct {
	ID      string
	Request Request
	BookID  string

	Status       Status
	Progress     int
	CurrentIndex int
	CurrentTitle string
	Total        int
	RetryCount   int
	Error        string
	ErrorKind    errkind.Kind
	StartedAt    time.Time
	CompletedAt  time.Time
	History      []Transition
}

// Task is a single book download moving through the status table. It is safe
// for concurrent use.
type Task struct {
	mutex sync.Mutex
	state Snapshot

	pauseRequested  atomic.Bool
	cancelRequested atomic.Bool
}

func NewTask(req Request) *Task {
	return &Task{state: Snapshot{
		ID:      uuid.NewString(),
		Request: req,
		Status:  Queued,
	}}
}

func (t *Task) ID() string {
	return t.state.ID
}

func (t *Task) Status() Status {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.state.Status
}

func (t *Task) Snapshot() Snapshot {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	out := t.state
	out.History = slices.Clone(t.state.History)
	return out
}

// TransitionTo moves the task to status to, rejecting anything outside the
// status table with an *IllegalTransitionError.
func (t *Task) TransitionTo(to Status, at time.Time) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.transitionLocked(to, at)
}

func (t *Task) transitionLocked(to Status, at time.Time) error {
	from := t.state.Status
	if !CanTransition(from, to) {
		return &IllegalTransitionError{From: from, To: to}
	}
	t.state.Status = to
	t.state.History = append(t.state.History, Transition{From: from, To: to, At: at})

	if to == Downloading && t.state.StartedAt.IsZero() {
		t.state.StartedAt = at
	}
	if to.Terminal() {
		t.state.CompletedAt = at
	}
	if to == Succeeded {
		t.state.Progress = 100
	}
	return nil
}

// mustTransition is used where the caller already knows the transition is
// legal, an illegal one is a bug.
func (t *Task) mustTransition(to Status, at time.Time) {
	err := t.TransitionTo(to, at)
	if err != nil {
		panic(err)
	}
}

// resume moves a paused task back to Downloading and clears its pause request.
// Only the first of several concurrent calls succeeds.
func (t *Task) resume(at time.Time) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.state.Status != Paused {
		return &IllegalTransitionError{From: t.state.Status, To: Downloading}
	}
	t.pauseRequested.Store(false)
	return t.transitionLocked(Downloading, at)
}

// ResetForRetry puts a failed or cancelled task back into the queue.
func (t *Task) ResetForRetry(at time.Time) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	from := t.state.Status
	if from != Failed && from != Cancelled {
		return &IllegalTransitionError{From: from, To: Queued}
	}
	t.state.Status = Queued
	t.state.RetryCount++
	t.state.Error = ""
	t.state.ErrorKind = errkind.Unknown
	t.state.Progress = 0
	t.state.CompletedAt = time.Time{}
	t.state.History = append(t.state.History, Transition{From: from, To: Queued, At: at})

	t.pauseRequested.Store(false)
	t.cancelRequested.Store(false)
	return nil
}

func (t *Task) fail(err error, at time.Time) {
	t.mutex.Lock()
	t.state.Error = err.Error()
	t.state.ErrorKind = errkind.Classify(err)
	t.mutex.Unlock()
	t.mustTransition(Failed, at)
}

func (t *Task) update(fn func(state *Snapshot)) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	fn(&t.state)
}

// RequestPause asks a running task to pause at the next chapter boundary.
func (t *Task) RequestPause() {
	t.pauseRequested.Store(true)
}

// RequestCancel asks the task to stop at the next chapter boundary.
func (t *Task) RequestCancel() {
	t.cancelRequested.Store(true)
}
