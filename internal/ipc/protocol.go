// Package ipc implements the simple-shell control socket of a running
// compositor. Messages are protobuf wire format, length prefixed.
package ipc

import (
	"errors"
	"fmt"
	"math"

	"github.com/bnema/westeros/internal/surface"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for messages that do not decode.
var ErrMalformed = errors.New("malformed message")

// Op selects what a request does.
type Op int

const (
	OpList Op = iota + 1
	OpStatus
	OpSetVisible
	OpSetGeometry
	OpSetOpacity
	OpSetZOrder
	OpSetName
	OpFocus
)

func (o Op) String() string {
	switch o {
	case OpList:
		return "list"
	case OpStatus:
		return "status"
	case OpSetVisible:
		return "visible"
	case OpSetGeometry:
		return "geometry"
	case OpSetOpacity:
		return "opacity"
	case OpSetZOrder:
		return "zorder"
	case OpSetName:
		return "name"
	case OpFocus:
		return "focus"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Request is one shell command.
type Request struct {
	Op        Op
	SurfaceID uint32
	Visible   bool
	Rect      surface.Rect
	Opacity   float32
	ZOrder    float32
	Name      string
}

// Response answers a request. Error is empty on success.
type Response struct {
	Error    string
	Surfaces []surface.Status
	Focus    uint32
}

const (
	reqOp protowire.Number = iota + 1
	reqSurface
	reqVisible
	reqX
	reqY
	reqW
	reqH
	reqOpacity
	reqZOrder
	reqName
)

const (
	stID protowire.Number = iota + 1
	stName
	stVisible
	stX
	stY
	stW
	stH
	stOpacity
	stZOrder
)

const (
	respError protowire.Number = iota + 1
	respSurface
	respFocus
)

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int) []byte {
	return appendVarint(b, num, protowire.EncodeZigZag(int64(v)))
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// Marshal encodes the request.
func (r *Request) Marshal() []byte {
	var b []byte
	b = appendVarint(b, reqOp, uint64(r.Op))
	b = appendVarint(b, reqSurface, uint64(r.SurfaceID))
	b = appendVarint(b, reqVisible, protowire.EncodeBool(r.Visible))
	b = appendSint(b, reqX, r.Rect.X)
	b = appendSint(b, reqY, r.Rect.Y)
	b = appendSint(b, reqW, r.Rect.W)
	b = appendSint(b, reqH, r.Rect.H)
	b = appendFloat(b, reqOpacity, r.Opacity)
	b = appendFloat(b, reqZOrder, r.ZOrder)
	if r.Name != "" {
		b = appendString(b, reqName, r.Name)
	}
	return b
}

// UnmarshalRequest decodes a request.
func UnmarshalRequest(data []byte) (*Request, error) {
	r := &Request{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case reqOp:
			r.Op = Op(v)
		case reqSurface:
			r.SurfaceID = uint32(v)
		case reqVisible:
			r.Visible = protowire.DecodeBool(v)
		case reqX:
			r.Rect.X = int(protowire.DecodeZigZag(v))
		case reqY:
			r.Rect.Y = int(protowire.DecodeZigZag(v))
		case reqW:
			r.Rect.W = int(protowire.DecodeZigZag(v))
		case reqH:
			r.Rect.H = int(protowire.DecodeZigZag(v))
		case reqOpacity:
			r.Opacity = math.Float32frombits(uint32(v))
		case reqZOrder:
			r.ZOrder = math.Float32frombits(uint32(v))
		case reqName:
			r.Name = string(raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.Op < OpList || r.Op > OpFocus {
		return nil, fmt.Errorf("%w: unknown op %d", ErrMalformed, int(r.Op))
	}
	return r, nil
}

func marshalStatus(s surface.Status) []byte {
	var b []byte
	b = appendVarint(b, stID, uint64(s.ID))
	if s.Name != "" {
		b = appendString(b, stName, s.Name)
	}
	b = appendVarint(b, stVisible, protowire.EncodeBool(s.Visible))
	b = appendSint(b, stX, s.Rect.X)
	b = appendSint(b, stY, s.Rect.Y)
	b = appendSint(b, stW, s.Rect.W)
	b = appendSint(b, stH, s.Rect.H)
	b = appendFloat(b, stOpacity, s.Opacity)
	b = appendFloat(b, stZOrder, s.ZOrder)
	return b
}

func unmarshalStatus(data []byte) (surface.Status, error) {
	var s surface.Status
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case stID:
			s.ID = uint32(v)
		case stName:
			s.Name = string(raw)
		case stVisible:
			s.Visible = protowire.DecodeBool(v)
		case stX:
			s.Rect.X = int(protowire.DecodeZigZag(v))
		case stY:
			s.Rect.Y = int(protowire.DecodeZigZag(v))
		case stW:
			s.Rect.W = int(protowire.DecodeZigZag(v))
		case stH:
			s.Rect.H = int(protowire.DecodeZigZag(v))
		case stOpacity:
			s.Opacity = math.Float32frombits(uint32(v))
		case stZOrder:
			s.ZOrder = math.Float32frombits(uint32(v))
		}
		return nil
	})
	return s, err
}

// Marshal encodes the response.
func (r *Response) Marshal() []byte {
	var b []byte
	if r.Error != "" {
		b = appendString(b, respError, r.Error)
	}
	for _, s := range r.Surfaces {
		b = protowire.AppendTag(b, respSurface, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalStatus(s))
	}
	if r.Focus != 0 {
		b = appendVarint(b, respFocus, uint64(r.Focus))
	}
	return b
}

// UnmarshalResponse decodes a response.
func UnmarshalResponse(data []byte) (*Response, error) {
	r := &Response{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case respError:
			r.Error = string(raw)
		case respSurface:
			s, err := unmarshalStatus(raw)
			if err != nil {
				return err
			}
			r.Surfaces = append(r.Surfaces, s)
		case respFocus:
			r.Focus = uint32(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// walk decodes every field of a message. Varint and fixed32 values arrive
// in v, length-delimited values in raw. Unknown wire types are skipped.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]

		var v uint64
		var raw []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(data)
			v = uint64(f)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		data = data[n:]

		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}
