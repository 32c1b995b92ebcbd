package frames

import (
	"fmt"
	"sync/atomic"
	"time"
)

var frameCounter uint64

// FrameDirection indicates the direction a frame is traveling
type FrameDirection int

const (
	Downstream FrameDirection = iota // room input -> room output
	Upstream                         // room output -> room input
)

func (d FrameDirection) String() string {
	switch d {
	case Downstream:
		return "downstream"
	case Upstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Frame is anything that travels through a pipeline. Frames are immutable
// once queued.
type Frame interface {
	ID() uint64
	Name() string
	Created() time.Time
	String() string
}

// BaseFrame carries the identity every frame shares
type BaseFrame struct {
	id      uint64
	name    string
	created time.Time
}

func NewBaseFrame(name string) *BaseFrame {
	return &BaseFrame{
		id:      atomic.AddUint64(&frameCounter, 1),
		name:    name,
		created: time.Now(),
	}
}

func (f *BaseFrame) ID() uint64         { return f.id }
func (f *BaseFrame) Name() string       { return f.name }
func (f *BaseFrame) Created() time.Time { return f.created }

func (f *BaseFrame) String() string {
	return fmt.Sprintf("%s#%d@%s", f.name, f.id, f.created.Format("15:04:05.000"))
}

// FrameCategory decides which queue a processor handles a frame on. System
// frames jump ahead of everything else; data and control frames keep order.
type FrameCategory int

const (
	SystemCategory FrameCategory = iota
	DataCategory
	ControlCategory
)

func (c FrameCategory) String() string {
	switch c {
	case SystemCategory:
		return "system"
	case DataCategory:
		return "data"
	case ControlCategory:
		return "control"
	default:
		return "unknown"
	}
}

type Categorizable interface {
	Category() FrameCategory
}

// TurnScoped frames belong to one agent turn. Turn ids start at 1 and grow
// monotonically within a session; 0 means "no turn".
type TurnScoped interface {
	Turn() uint64
}

// TurnOf returns the turn id of f, or 0 when f is not turn scoped.
func TurnOf(f Frame) uint64 {
	if ts, ok := f.(TurnScoped); ok {
		return ts.Turn()
	}
	return 0
}

type turnID uint64

func (t turnID) Turn() uint64 { return uint64(t) }
