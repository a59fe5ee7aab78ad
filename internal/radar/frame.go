package radar

// ArcView is the serialisable form of a VisibleArc.
type ArcView struct {
	From     float64 `json:"from"`
	To       float64 `json:"to"`
	Distance float64 `json:"distance"`
	ObjectID string  `json:"object_id,omitempty"`
}

// OwnerView captures one field of view as of the pass that produced the frame.
type OwnerView struct {
	ID         string     `json:"id"`
	Position   [2]float64 `json:"position"`
	Radius     float64    `json:"radius"`
	Range      float64    `json:"range"`
	ComputedAt uint64     `json:"computed_at"`
	Arcs       []ArcView  `json:"arcs"`
}

// Frame is an immutable snapshot of every field of view and the aggregate visible set.
type Frame struct {
	Pass         uint64      `json:"pass"`
	Tick         uint64      `json:"tick,omitempty"`
	CapturedAtMs int64       `json:"captured_at_ms"`
	Owners       []OwnerView `json:"owners"`
	Visible      []string    `json:"visible"`
}

// Owner returns the view for id.
func (f Frame) Owner(id string) (OwnerView, bool) {
	for _, owner := range f.Owners {
		if owner.ID == id {
			return owner, true
		}
	}
	return OwnerView{}, false
}

// Empty reports whether no Update has produced the frame yet.
func (f Frame) Empty() bool {
	return f.Pass == 0
}

func viewOf(fov *FieldOfView, arcs []VisibleArc) OwnerView {
	origin := fov.Origin()
	view := OwnerView{
		ID:         fov.OwnerID(),
		Position:   [2]float64{origin.Center.X, origin.Center.Y},
		Radius:     origin.Radius,
		Range:      fov.MaxRange(),
		ComputedAt: fov.ComputedAt(),
		Arcs:       make([]ArcView, 0, len(arcs)),
	}
	for _, arc := range arcs {
		view.Arcs = append(view.Arcs, ArcView{From: arc.From, To: arc.To, Distance: arc.Distance, ObjectID: arc.ObjectID()})
	}
	return view
}
