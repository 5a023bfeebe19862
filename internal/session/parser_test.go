package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/majsoul/liqiproxy/internal/envelope"
	"github.com/majsoul/liqiproxy/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	s := func(v string) *string { return &v }
	ty := func(v descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto_Type { return &v }
	lbl := func(v descriptorpb.FieldDescriptorProto_Label) *descriptorpb.FieldDescriptorProto_Label { return &v }
	n := func(v int32) *int32 { return &v }

	fdProto := &descriptorpb.FileDescriptorProto{
		Name:    s("lq.proto"),
		Package: s("lq"),
		Syntax:  s("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: s("ReqLoginBeat"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("contract"), Number: n(1), Label: lbl(descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL), Type: ty(descriptorpb.FieldDescriptorProto_TYPE_STRING), JsonName: s("contract")},
				},
			},
			{Name: s("ResLoginBeat")},
			{Name: s("NotifyMatchTimeout")},
		},
	}

	fds := &descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{fdProto}}
	files, err := protodesc.NewFiles(fds)
	require.NoError(t, err)

	manifest := &registry.Node{
		Nested: map[string]*registry.Node{
			"lq": {
				Nested: map[string]*registry.Node{
					"Lobby": {
						Methods: map[string]registry.Method{
							"loginBeat": {RequestType: "ReqLoginBeat", ResponseType: "ResLoginBeat"},
						},
					},
				},
			},
		},
	}

	return registry.New(files, manifest)
}

func TestParseNotifyUnknownMethodEmptyPayload(t *testing.T) {
	reg := testRegistry(t)
	p := New(reg)

	raw, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindNotify, Method: ".lq.NotifyMatchTimeout", Payload: nil})
	require.NoError(t, err)

	msg, err := p.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), msg.ID)
	assert.Equal(t, envelope.KindNotify, msg.Kind)
	assert.Equal(t, ".lq.NotifyMatchTimeout", msg.Method)
	assert.Empty(t, msg.Data)
}

func TestParseNotifyIncrementsID(t *testing.T) {
	reg := testRegistry(t)
	p := New(reg)

	raw, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindNotify, Method: ".lq.NotifyMatchTimeout"})
	require.NoError(t, err)

	first, err := p.Parse(raw)
	require.NoError(t, err)
	second, err := p.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, uint16(0), first.ID)
	assert.Equal(t, uint16(1), second.ID)
}

func TestRequestResponseCorrelation(t *testing.T) {
	reg := testRegistry(t)
	p := New(reg)

	reqDesc, err := reg.ResolveMessage("lq.ReqLoginBeat")
	require.NoError(t, err)
	reqMsg := dynamicpb.NewMessage(reqDesc)
	reqMsg.Set(reqDesc.Fields().ByName("contract"), protoreflect.ValueOfString("abc"))
	reqPayload, err := proto.Marshal(reqMsg)
	require.NoError(t, err)

	reqRaw, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindRequest, ID: 0x00FA, Method: ".lq.Lobby.loginBeat", Payload: reqPayload})
	require.NoError(t, err)

	reqParsed, err := p.Parse(reqRaw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x00FA), reqParsed.ID)
	assert.Equal(t, envelope.KindRequest, reqParsed.Kind)

	method, ok := p.MethodForCorrelatedID(0x00FA)
	require.True(t, ok)
	assert.Equal(t, ".lq.Lobby.loginBeat", method)

	resRaw, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindResponse, ID: 0x00FA, Method: "", Payload: nil})
	require.NoError(t, err)

	resParsed, err := p.Parse(resRaw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x00FA), resParsed.ID)
	assert.Equal(t, ".lq.Lobby.loginBeat", resParsed.Method)

	_, ok = p.MethodForCorrelatedID(0x00FA)
	assert.False(t, ok, "correlation entry must be removed after response")
}

func TestResponseWithNoCorrespondingRequest(t *testing.T) {
	reg := testRegistry(t)
	p := New(reg)

	raw, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindResponse, ID: 99, Payload: nil})
	require.NoError(t, err)

	_, err = p.Parse(raw)
	assert.ErrorIs(t, err, ErrNoCorrespondingRequest)
}

func TestDuplicateRequestID(t *testing.T) {
	reg := testRegistry(t)
	p := New(reg)

	raw, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindRequest, ID: 5, Method: ".lq.Lobby.loginBeat", Payload: nil})
	require.NoError(t, err)

	_, err = p.Parse(raw)
	require.NoError(t, err)

	_, err = p.Parse(raw)
	assert.ErrorIs(t, err, ErrDuplicateRequestID)
}

func TestExtractNotifyMessageName(t *testing.T) {
	assert.Equal(t, "NotifyMatchTimeout", extractNotifyMessageName(".lq.NotifyMatchTimeout"))
}
