package modifier

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/majsoul/liqiproxy/internal/catalog"
	"github.com/majsoul/liqiproxy/internal/envelope"
	"github.com/majsoul/liqiproxy/internal/prefs"
	"github.com/majsoul/liqiproxy/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	s := func(v string) *string { return &v }
	ty := func(v descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto_Type { return &v }
	lbl := func(v descriptorpb.FieldDescriptorProto_Label) *descriptorpb.FieldDescriptorProto_Label { return &v }
	n := func(v int32) *int32 { return &v }

	field := func(name string, num int32, t descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name: s(name), Number: n(num),
			Label: lbl(descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL),
			Type:  ty(t), JsonName: s(name),
		}
	}

	fdProto := &descriptorpb.FileDescriptorProto{
		Name:    s("lq.proto"),
		Package: s("lq"),
		Syntax:  s("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name:  s("ReqLoginBeat"),
				Field: []*descriptorpb.FieldDescriptorProto{field("contract", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING)},
			},
			{Name: s("ResLoginBeat")},
			{
				Name: s("ReqChangeCharacterSkin"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("character_id", 1, descriptorpb.FieldDescriptorProto_TYPE_INT64),
					field("skin", 2, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				},
			},
			{Name: s("ResCommon")},
			{
				Name: s("ReqReadAnnouncement"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field("announcement_id", 1, descriptorpb.FieldDescriptorProto_TYPE_INT64),
				},
			},
			{Name: s("NotifyAccountUpdate")},
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
							"loginBeat":          {RequestType: "ReqLoginBeat", ResponseType: "ResLoginBeat"},
							"changeCharacterSkin": {RequestType: "ReqChangeCharacterSkin", ResponseType: "ResCommon"},
							"readAnnouncement":    {RequestType: "ReqReadAnnouncement", ResponseType: "ResCommon"},
						},
					},
				},
			},
		},
	}

	return registry.New(files, manifest)
}

func testModifier(t *testing.T) *Modifier {
	t.Helper()
	reg := testRegistry(t)
	store, err := prefs.Load(t.TempDir() + "/settings.mod.json")
	require.NoError(t, err)
	return New(reg, store, catalog.Empty())
}

func TestModifyRequestUnknownMethodPassthrough(t *testing.T) {
	m := testModifier(t)
	raw, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindRequest, ID: 7, Method: ".lq.Lobby.unknownMethod", Payload: []byte("x")})
	require.NoError(t, err)

	res := m.Modify(raw, true, "")
	assert.False(t, res.Drop)
	assert.Equal(t, raw, res.Replacement)
	assert.Nil(t, res.Inject)
}

func TestModifyRequestChangeCharacterSkinFakeBeatAndInjection(t *testing.T) {
	reg := testRegistry(t)
	store, err := prefs.Load(t.TempDir() + "/settings.mod.json")
	require.NoError(t, err)
	m := New(reg, store, catalog.Empty())

	reqDesc, err := reg.ResolveMessage("lq.ReqChangeCharacterSkin")
	require.NoError(t, err)
	reqMsg := dynamicpb.NewMessage(reqDesc)
	reqMsg.Set(reqDesc.Fields().ByName("character_id"), protoreflect.ValueOfInt64(200001))
	reqMsg.Set(reqDesc.Fields().ByName("skin"), protoreflect.ValueOfInt64(400101))
	payload, err := proto.Marshal(reqMsg)
	require.NoError(t, err)

	raw, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindRequest, ID: 42, Method: ".lq.Lobby.changeCharacterSkin", Payload: payload})
	require.NoError(t, err)

	res := m.Modify(raw, true, "")
	require.False(t, res.Drop)

	fake, err := envelope.Decode(res.Replacement)
	require.NoError(t, err)
	assert.Equal(t, envelope.KindRequest, fake.Kind)
	assert.Equal(t, uint16(42), fake.ID)
	assert.Equal(t, ".lq.Lobby.loginBeat", fake.Method)

	require.NotNil(t, res.Inject)
	inj, err := envelope.Decode(res.Inject)
	require.NoError(t, err)
	assert.Equal(t, envelope.KindNotify, inj.Kind)
	assert.Equal(t, ".lq.NotifyAccountUpdate", inj.Method)

	snap := store.Snapshot()
	assert.Equal(t, int64(400101), snap.CharacterSkin[200001])
}

func TestModifyRequestAnnouncementReplaySuppression(t *testing.T) {
	reg := testRegistry(t)
	store, err := prefs.Load(t.TempDir() + "/settings.mod.json")
	require.NoError(t, err)
	m := New(reg, store, catalog.Empty())

	buildRequest := func(id uint16, announcementID int64) []byte {
		desc, err := reg.ResolveMessage("lq.ReqReadAnnouncement")
		require.NoError(t, err)
		msg := dynamicpb.NewMessage(desc)
		msg.Set(desc.Fields().ByName("announcement_id"), protoreflect.ValueOfInt64(announcementID))
		payload, err := proto.Marshal(msg)
		require.NoError(t, err)
		raw, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindRequest, ID: id, Method: ".lq.Lobby.readAnnouncement", Payload: payload})
		require.NoError(t, err)
		return raw
	}

	injected := buildRequest(1, 1145141919)
	res := m.Modify(injected, true, "")
	fake, err := envelope.Decode(res.Replacement)
	require.NoError(t, err)
	assert.Equal(t, ".lq.Lobby.loginBeat", fake.Method, "replayed announcement request must be suppressed via fake beat")

	genuine := buildRequest(2, 555)
	res2 := m.Modify(genuine, true, "")
	assert.Equal(t, genuine, res2.Replacement, "genuine announcement ack must pass through unchanged")
}

func TestZoneTagCutoffs(t *testing.T) {
	cn := zoneTag(6 << 23)
	jp := zoneTag(7 << 23)
	en := zoneTag(13 << 23)
	unknown := zoneTag(16 << 23)

	assert.Contains(t, []rune(cn), rune(0xFEFF), "CN tag must embed a zero-width no-break space to defeat literal-string matching")
	assert.Equal(t, "[JP]", jp)
	assert.Equal(t, "[EN]", en)
	assert.Equal(t, "[??]", unknown)
}

func TestModifyResponseUnknownMethodHintPassthrough(t *testing.T) {
	m := testModifier(t)
	raw, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindResponse, ID: 1, Payload: []byte("abc")})
	require.NoError(t, err)

	res := m.Modify(raw, false, "")
	assert.Equal(t, raw, res.Replacement)
}

func TestModifyNotifyUnresolvableMethodPassthrough(t *testing.T) {
	m := testModifier(t)
	raw, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindNotify, Method: ".lq.NotifySomethingUnknown"})
	require.NoError(t, err)

	res := m.Modify(raw, false, "")
	assert.Equal(t, raw, res.Replacement)
	assert.False(t, res.Drop)
}

func modifierWithHint(t *testing.T, hint bool) *Modifier {
	t.Helper()
	path := t.TempDir() + "/settings.mod.json"
	if hint {
		require.NoError(t, os.WriteFile(path, []byte(`{"hint_switch": true}`), 0o644))
	}
	store, err := prefs.Load(path)
	require.NoError(t, err)
	return New(testRegistry(t), store, catalog.Empty())
}

func TestRewriteAuthGameHintOffLeavesModeAndModeIDUntouched(t *testing.T) {
	m := modifierWithHint(t, false)

	data := map[string]any{
		"game_config": map[string]any{
			"mode": map[string]any{
				"detail_rule": map[string]any{},
			},
			"meta": map[string]any{"mode_id": float64(15)},
		},
	}

	mutated := m.rewriteAuthGame(data)
	assert.False(t, mutated, "with hint off, authGame must not touch game_config at all")

	gc := data["game_config"].(map[string]any)
	detail := gc["mode"].(map[string]any)["detail_rule"].(map[string]any)
	_, hasFlag := detail["bianjietishi"]
	assert.False(t, hasFlag)

	meta := gc["meta"].(map[string]any)
	assert.Equal(t, float64(15), meta["mode_id"])
}

func TestRewriteAuthGameHintOnSetsFlagAndRemapsModeID(t *testing.T) {
	m := modifierWithHint(t, true)

	data := map[string]any{
		"game_config": map[string]any{
			"mode": map[string]any{
				"detail_rule": map[string]any{},
			},
			"meta": map[string]any{"mode_id": float64(16)},
		},
	}

	mutated := m.rewriteAuthGame(data)
	assert.True(t, mutated)

	gc := data["game_config"].(map[string]any)
	detail := gc["mode"].(map[string]any)["detail_rule"].(map[string]any)
	assert.Equal(t, true, detail["bianjietishi"])

	meta := gc["meta"].(map[string]any)
	assert.Equal(t, int64(12), meta["mode_id"])
}
