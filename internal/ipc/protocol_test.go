package ipc

import (
	"testing"

	"github.com/bnema/westeros/internal/surface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRequestNegativeGeometry(t *testing.T) {
	req := &Request{Op: OpSetGeometry, SurfaceID: 7, Rect: surface.Rect{X: -20, Y: -270, W: 480, H: 270}}
	got, err := UnmarshalRequest(req.Marshal())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestResponseCarriesSurfacesInOrder(t *testing.T) {
	resp := &Response{
		Surfaces: []surface.Status{
			{ID: 2, Name: "video", Visible: true, Rect: surface.Rect{W: 1280, H: 720}, Opacity: 1, ZOrder: 0.1},
			{ID: 1, Name: "ui", Rect: surface.Rect{X: 10, Y: 10, W: 100, H: 50}, Opacity: 0.5, ZOrder: 0.9},
		},
		Focus: 1,
	}
	got, err := UnmarshalResponse(resp.Marshal())
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := UnmarshalRequest([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = UnmarshalRequest((&Request{Op: Op(99)}).Marshal())
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = UnmarshalRequest(nil)
	assert.ErrorIs(t, err, ErrMalformed, "a request needs an op")
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	b := (&Request{Op: OpStatus, SurfaceID: 3}).Marshal()
	b = protowire.AppendTag(b, 100, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 42)
	b = protowire.AppendTag(b, 101, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	got, err := UnmarshalRequest(b)
	require.NoError(t, err)
	assert.Equal(t, OpStatus, got.Op)
	assert.Equal(t, uint32(3), got.SurfaceID)
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "geometry", OpSetGeometry.String())
	assert.Equal(t, "op(42)", Op(42).String())
}
