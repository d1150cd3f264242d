// Package action defines the closed set of UI actions the decision oracle may
// return and their JSON wire form.
package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// Action is one next step chosen by the decision oracle. The set of
// implementations is closed: Click, Type, Scroll, Done and Failed.
type Action interface {
	// Name is the wire tag, e.g. "click".
	Name() string
	// Terminal reports whether the action ends the flow.
	Terminal() bool
	isAction()
}

// Wire tags.
const (
	NameClick  = "click"
	NameType   = "type"
	NameScroll = "scroll"
	NameDone   = "done"
	NameFailed = "failed"
)

// Click is a synthetic pointer click at absolute screen coordinates.
type Click struct {
	X           int
	Y           int
	Description string
}

// Type is synthetic keyboard input of literal text.
type Type struct {
	Text string
}

// Scroll is a synthetic scroll delta.
type Scroll struct {
	DX int
	DY int
}

// Done ends the flow successfully, carrying extracted or confirming text.
type Done struct {
	Result string
}

// Failed ends the flow unsuccessfully.
type Failed struct {
	Reason string
}

func (Click) Name() string  { return NameClick }
func (Type) Name() string   { return NameType }
func (Scroll) Name() string { return NameScroll }
func (Done) Name() string   { return NameDone }
func (Failed) Name() string { return NameFailed }

func (Click) Terminal() bool  { return false }
func (Type) Terminal() bool   { return false }
func (Scroll) Terminal() bool { return false }
func (Done) Terminal() bool   { return true }
func (Failed) Terminal() bool { return true }

func (Click) isAction()  {}
func (Type) isAction()   {}
func (Scroll) isAction() {}
func (Done) isAction()   {}
func (Failed) isAction() {}

var (
	// ErrUnknownType is returned for a payload whose "type" tag is not one of
	// the known actions.
	ErrUnknownType = errors.New("unknown action type")
	// ErrMissingField is returned when a known action lacks a required field.
	ErrMissingField = errors.New("missing required action field")
	// ErrTrailingData is returned when anything but whitespace follows the
	// action object.
	ErrTrailingData = errors.New("trailing data after action")
)

// wire is the JSON shape exchanged with the oracle and stored with steps.
type wire struct {
	Type        string   `json:"type,omitempty"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Description string   `json:"description,omitempty"`
	Text        *string  `json:"text,omitempty"`
	DeltaX      *float64 `json:"deltaX,omitempty"`
	DeltaY      *float64 `json:"deltaY,omitempty"`
	Result      *string  `json:"result,omitempty"`
	Reason      *string  `json:"reason,omitempty"`
}

// Decode parses a single JSON action object. Payloads with an unknown tag or
// missing required fields are rejected rather than passed through.
func Decode(data []byte) (Action, error) {
	var w wire
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode action: %w", ErrTrailingData)
	}

	switch w.Type {
	case NameClick:
		if w.X == nil || w.Y == nil {
			return nil, fmt.Errorf("%w: click requires x and y", ErrMissingField)
		}
		return Click{X: round(*w.X), Y: round(*w.Y), Description: w.Description}, nil
	case NameType:
		if w.Text == nil {
			return nil, fmt.Errorf("%w: type requires text", ErrMissingField)
		}
		return Type{Text: *w.Text}, nil
	case NameScroll:
		s := Scroll{}
		if w.DeltaX != nil {
			s.DX = round(*w.DeltaX)
		}
		if w.DeltaY != nil {
			s.DY = round(*w.DeltaY)
		}
		return s, nil
	case NameDone:
		return Done{Result: deref(w.Result)}, nil
	case NameFailed:
		return Failed{Reason: deref(w.Reason)}, nil
	case "":
		return nil, fmt.Errorf("%w: missing \"type\"", ErrUnknownType)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}

// Encode renders a as its JSON wire object.
func Encode(a Action) ([]byte, error) {
	w, err := toWire(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Params renders a's parameters as JSON, without the type tag.
func Params(a Action) string {
	w, err := toWire(a)
	if err != nil {
		return "{}"
	}
	w.Type = ""
	data, err := json.Marshal(w)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func toWire(a Action) (wire, error) {
	switch v := a.(type) {
	case Click:
		x, y := float64(v.X), float64(v.Y)
		return wire{Type: NameClick, X: &x, Y: &y, Description: v.Description}, nil
	case Type:
		return wire{Type: NameType, Text: &v.Text}, nil
	case Scroll:
		dx, dy := float64(v.DX), float64(v.DY)
		return wire{Type: NameScroll, DeltaX: &dx, DeltaY: &dy}, nil
	case Done:
		return wire{Type: NameDone, Result: &v.Result}, nil
	case Failed:
		return wire{Type: NameFailed, Reason: &v.Reason}, nil
	default:
		return wire{}, fmt.Errorf("%w: %T", ErrUnknownType, a)
	}
}

// round converts a model-supplied coordinate to a pixel offset, saturating
// at the int32 range.
func round(f float64) int {
	switch r := math.Round(f); {
	case r >= math.MaxInt32:
		return math.MaxInt32
	case r <= math.MinInt32:
		return math.MinInt32
	default:
		return int(r)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
