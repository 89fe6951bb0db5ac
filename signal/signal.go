// Package signal defines the immutable message that flows between cognitive
// units: its layer tags, direction, lineage, and the content hash used by the
// cache and memory store.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Layer is a cognitive-hierarchy abstraction level. Input and Reflexive are
// boundary tags: no unit owns them, but signals may be addressed from/to them.
type Layer int

const (
	LayerInput Layer = iota
	LayerStrategic
	LayerDesign
	LayerImplementation
	LayerReflexive
)

func (l Layer) String() string {
	switch l {
	case LayerInput:
		return "input"
	case LayerStrategic:
		return "strategic"
	case LayerDesign:
		return "design"
	case LayerImplementation:
		return "implementation"
	case LayerReflexive:
		return "reflexive"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

// Index returns the layer's position for adjacency arithmetic. Input and
// Reflexive sit one step beyond Strategic and Implementation respectively,
// so a signal may cross the boundary but never skip past it.
func (l Layer) Index() int {
	switch l {
	case LayerInput:
		return 0
	case LayerStrategic:
		return 1
	case LayerDesign:
		return 2
	case LayerImplementation:
		return 3
	case LayerReflexive:
		return 4
	default:
		return -1
	}
}

// Adjacent reports whether two layers differ by at most one index.
func Adjacent(a, b Layer) bool {
	d := a.Index() - b.Index()
	if d < 0 {
		d = -d
	}
	return d <= 1
}

// Direction is the propagation direction of a signal.
type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// UserSentinel is the routing endpoint used for the root signal's origin and
// for the final response's destination; it is not a unit id.
const UserSentinel = "user"

// Payload is the opaque content a signal carries, plus the content hash used
// as part of cache fingerprints and memory keys.
type Payload struct {
	Bytes []byte
	Hash  string
}

// NewPayload computes the content hash for b and wraps it.
func NewPayload(b []byte) Payload {
	sum := sha256.Sum256(b)
	return Payload{Bytes: b, Hash: hex.EncodeToString(sum[:])}
}

// BackwardInfo is the error-gradient payload a Backward signal carries.
type BackwardInfo struct {
	ErrorKind        string
	Magnitude        float64 // clamped to [0,1] by WithBackward
	SuggestedUnitIDs []string
}

// Signal is immutable after construction. Forward carries a Payload;
// Backward carries a BackwardInfo in addition (Payload may be empty for pure
// backward signals).
type Signal struct {
	id        string
	parentID  string // empty for the session root
	sessionID string
	fromUnit  string
	toUnit    string
	fromLayer Layer
	toLayer   Layer
	direction Direction
	payload   Payload
	backward  *BackwardInfo
	depth     int // lineage depth: 0 for the session root, parent depth + 1 otherwise
	createdAt time.Time
}

// Option mutates a Signal at construction time only; there is no mutator
// after New/NewChild returns.
type Option func(*Signal)

// WithBackward attaches backward-signal metadata, clamping Magnitude to
// [0,1].
func WithBackward(info BackwardInfo) Option {
	return func(s *Signal) {
		if info.Magnitude < 0 {
			info.Magnitude = 0
		}
		if info.Magnitude > 1 {
			info.Magnitude = 1
		}
		s.backward = &info
	}
}

// New constructs a root signal for a fresh session. The id generator is
// uuid.NewString, collision-resistant under concurrent creation.
func New(sessionID, fromUnit, toUnit string, fromLayer, toLayer Layer, dir Direction, payload Payload, opts ...Option) Signal {
	s := Signal{
		id:        uuid.NewString(),
		sessionID: sessionID,
		fromUnit:  fromUnit,
		toUnit:    toUnit,
		fromLayer: fromLayer,
		toLayer:   toLayer,
		direction: dir,
		payload:   payload,
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// NewChild derives a signal caused by parent: it inherits session_id, sets
// parent_id, and extends the lineage depth by one, so lineage always forms
// a forest.
func NewChild(parent Signal, fromUnit, toUnit string, fromLayer, toLayer Layer, dir Direction, payload Payload, opts ...Option) Signal {
	s := New(parent.sessionID, fromUnit, toUnit, fromLayer, toLayer, dir, payload, opts...)
	s.parentID = parent.id
	s.depth = parent.depth + 1
	return s
}

func (s Signal) ID() string          { return s.id }
func (s Signal) ParentID() string    { return s.parentID }
func (s Signal) HasParent() bool     { return s.parentID != "" }
func (s Signal) SessionID() string   { return s.sessionID }
func (s Signal) FromUnit() string    { return s.fromUnit }
func (s Signal) ToUnit() string      { return s.toUnit }
func (s Signal) FromLayer() Layer    { return s.fromLayer }
func (s Signal) ToLayer() Layer      { return s.toLayer }
func (s Signal) Direction() Direction { return s.direction }
func (s Signal) Payload() Payload    { return s.payload }
func (s Signal) Depth() int          { return s.depth }
func (s Signal) CreatedAt() time.Time { return s.createdAt }

// Backward returns the backward-signal payload and whether one is present.
func (s Signal) Backward() (BackwardInfo, bool) {
	if s.backward == nil {
		return BackwardInfo{}, false
	}
	return *s.backward, true
}

// Equal reports identity by id, per the data model's equality rule.
func (s Signal) Equal(other Signal) bool { return s.id == other.id }
