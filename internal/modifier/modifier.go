// Package modifier implements the rule-engine transformer over parsed Liqi
// frames: per-method request rewrites (fake beats, preference mutation),
// per-method response rewrites (perfected characters, zone tags, bag fill),
// Notify rewrites, and one-shot server-origin injection scheduling.
//
// modder.rs in the upstream source is only a stub revision, so the rewrite
// tables here are grounded directly in spec.md §4.5's prose rather than in
// teacher/example code; the surrounding contract (modify(raw, fromClient,
// methodNameHint) -> {replacement, inject}) is grounded in
// original_source/src/handler.rs's exact call shape.
package modifier

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/majsoul/liqiproxy/internal/action"
	"github.com/majsoul/liqiproxy/internal/catalog"
	"github.com/majsoul/liqiproxy/internal/envelope"
	"github.com/majsoul/liqiproxy/internal/prefs"
	"github.com/majsoul/liqiproxy/internal/registry"
	"github.com/majsoul/liqiproxy/internal/session"
)

// ArbitraryMD5 is the literal anti-replay value the client expects in
// ActionNewRound, value-irrelevant but must be present (spec §4.7).
const ArbitraryMD5 = "0123456789abcdef0123456789abcdef"

// announcementID is the fixed id used for the injected announcement.
const announcementID = 1145141919

// Result is the outcome of Modify.
type Result struct {
	Drop        bool   // true: the frame is suppressed entirely
	Replacement []byte // valid when Drop == false
	Inject      []byte // optional one-shot opposite-direction injection
}

// Modifier is shared by reference across all session tasks.
type Modifier struct {
	reg   *registry.Registry
	prefs *prefs.Store
	cat   *catalog.Catalog

	safe safeBox

	contractMu sync.RWMutex
	contract   string
}

// New constructs a Modifier bound to the given registry, preference store,
// and content catalog.
func New(reg *registry.Registry, p *prefs.Store, cat *catalog.Catalog) *Modifier {
	return &Modifier{reg: reg, prefs: p, cat: cat}
}

func (m *Modifier) getContract() string {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	return m.contract
}

func (m *Modifier) setContract(c string) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract = c
}

// Modify is the modifier's full contract per spec §4.5.
func (m *Modifier) Modify(raw []byte, fromClient bool, methodNameHint string) Result {
	env, err := envelope.Decode(raw)
	if err != nil {
		slog.Warn("modifier: failed to decode frame, forwarding unchanged", "error", err)
		return Result{Replacement: raw}
	}

	if fromClient {
		return m.modifyRequest(raw, env)
	}
	switch env.Kind {
	case envelope.KindNotify:
		return m.modifyNotify(raw, env)
	case envelope.KindResponse:
		return m.modifyResponse(raw, env, methodNameHint)
	default:
		return Result{Replacement: raw}
	}
}

func methodLeaf(fqn string) string {
	i := len(fqn) - 1
	for ; i >= 0; i-- {
		if fqn[i] == '.' {
			break
		}
	}
	return fqn[i+1:]
}

// ---------------------------------------------------------------------
// Request rewrites (client -> server)
// ---------------------------------------------------------------------

func (m *Modifier) modifyRequest(raw []byte, env *envelope.Frame) Result {
	reqDesc, _, err := m.reg.ResolveMethod(env.Method)
	if err != nil {
		// Unknown method: idempotent passthrough (spec §8 algebraic law).
		return Result{Replacement: raw}
	}

	data, err := decodeMessageToJSON(m.reg, reqDesc, env.Payload)
	if err != nil {
		slog.Warn("modifier: request decode failed, forwarding unchanged", "method", env.Method, "error", err)
		return Result{Replacement: raw}
	}

	leaf := methodLeaf(env.Method)
	switch leaf {
	case "changeMainCharacter":
		m.prefs.SetMainCharacter(intField(data, "character_id"))
		return m.fakeBeat(env.ID)
	case "changeCharacterSkin":
		charID := intField(data, "character_id")
		skin := intField(data, "skin")
		m.prefs.SetCharacterSkin(charID, skin)
		inject := m.buildAccountUpdateInjection(charID, skin)
		res := m.fakeBeat(env.ID)
		res.Inject = inject
		return res
	case "addFinishedEnding":
		return Result{Drop: true}
	case "updateCharacterSort":
		m.prefs.SetStarCharacter(int64Slice(data["sort"]))
		return m.fakeBeat(env.ID)
	case "useTitle":
		m.prefs.SetTitle(intField(data, "title"))
		return m.fakeBeat(env.ID)
	case "setLoadingImage":
		m.prefs.SetLoadingBackground(int64Slice(data["images"]))
		return m.fakeBeat(env.ID)
	case "saveCommonViews":
		saveIndex := int(intField(data, "save_index"))
		views := decodeViewSlots(data["views"])
		isUse := intField(data, "is_use") == 1
		if err := m.prefs.SetViewPreset(saveIndex, views, isUse); err != nil {
			slog.Warn("modifier: saveCommonViews invalid preset index", "index", saveIndex, "error", err)
		}
		return m.fakeBeat(env.ID)
	case "useCommonView":
		if err := m.prefs.SetPresetIndex(int(intField(data, "index"))); err != nil {
			slog.Warn("modifier: useCommonView invalid preset index", "error", err)
		}
		return Result{Replacement: raw}
	case "loginBeat":
		m.setContract(stringField(data, "contract"))
		return Result{Replacement: raw}
	case "readAnnouncement":
		if intField(data, "announcement_id") == announcementID {
			return m.fakeBeat(env.ID)
		}
		return Result{Replacement: raw}
	case "receiveCharacterRewards":
		return m.fakeBeat(env.ID)
	default:
		return Result{Replacement: raw}
	}
}

// fakeBeat rewrites the current request into a harmless loginBeat that the
// server will accept, keeping the correlation id's response slot valid
// (spec §4.5.1, grounded in original_source/src/handler.rs's call contract).
func (m *Modifier) fakeBeat(id uint16) Result {
	reqDesc, _, err := m.reg.ResolveMethod(".lq.Lobby.loginBeat")
	if err != nil {
		slog.Error("modifier: cannot resolve loginBeat descriptor for fake beat", "error", err)
		return Result{Drop: true}
	}
	payload, err := encodeJSONToMessage(m.reg, reqDesc, map[string]any{"contract": m.getContract()})
	if err != nil {
		slog.Error("modifier: cannot encode fake beat payload", "error", err)
		return Result{Drop: true}
	}
	raw, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindRequest, ID: id, Method: ".lq.Lobby.loginBeat", Payload: payload})
	if err != nil {
		slog.Error("modifier: cannot encode fake beat envelope", "error", err)
		return Result{Drop: true}
	}
	return Result{Replacement: raw}
}

// buildAccountUpdateInjection synthesises the NotifyAccountUpdate the real
// server would have sent after a skin change (spec §9 "injection as causal
// reply").
func (m *Modifier) buildAccountUpdateInjection(characterID, skin int64) []byte {
	desc, err := m.reg.ResolveMessage("lq.NotifyAccountUpdate")
	if err != nil {
		slog.Warn("modifier: cannot resolve NotifyAccountUpdate for injection", "error", err)
		return nil
	}
	update := map[string]any{
		"update": map[string]any{
			"character": map[string]any{
				"id":           characterID,
				"level":        5,
				"is_upgraded":  true,
				"skin":         skin,
				"rewarded_level": []int64{1, 2, 3, 4, 5},
			},
		},
	}
	payload, err := encodeJSONToMessage(m.reg, desc, update)
	if err != nil {
		slog.Warn("modifier: cannot encode NotifyAccountUpdate injection", "error", err)
		return nil
	}
	raw, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindNotify, Method: ".lq.NotifyAccountUpdate", Payload: payload})
	if err != nil {
		slog.Warn("modifier: cannot encode injection envelope", "error", err)
		return nil
	}
	return raw
}

// ---------------------------------------------------------------------
// Response rewrites (server -> client)
// ---------------------------------------------------------------------

func (m *Modifier) modifyResponse(raw []byte, env *envelope.Frame, methodNameHint string) Result {
	if methodNameHint == "" {
		return Result{Replacement: raw}
	}
	_, resDesc, err := m.reg.ResolveMethod(methodNameHint)
	if err != nil {
		return Result{Replacement: raw}
	}

	data, err := decodeMessageToJSON(m.reg, resDesc, env.Payload)
	if err != nil {
		slog.Warn("modifier: response decode failed, forwarding unchanged", "method", methodNameHint, "error", err)
		return Result{Replacement: raw}
	}

	leaf := methodLeaf(methodNameHint)
	mutated := false
	switch leaf {
	case "fetchAccountInfo":
		mutated = m.rewriteFetchAccountInfo(data)
	case "fetchCharacterInfo":
		mutated = m.rewriteFetchCharacterInfo(data)
	case "login", "oauth2Login":
		mutated = m.rewriteLogin(data)
	case "createRoom", "fetchRoom":
		mutated = m.rewriteRoom(data)
	case "authGame":
		mutated = m.rewriteAuthGame(data)
	case "fetchTitleList":
		data["title_list"] = m.cat.TitleIDs()
		mutated = true
	case "fetchBagInfo":
		mutated = m.rewriteFetchBagInfo(data)
	case "fetchAllCommonViews":
		mutated = m.rewriteViewsOnly(data)
	case "fetchAnnouncement":
		mutated = m.rewriteFetchAnnouncement(data)
	case "fetchInfo":
		mutated = m.rewriteFetchInfo(data)
	case "fetchServerSettings":
		mutated = m.rewriteFetchServerSettings(data)
	case "fetchGameRecord":
		m.logFetchGameRecord(data)
		mutated = false
	default:
		mutated = false
	}

	if !mutated {
		return Result{Replacement: raw}
	}

	payload, err := encodeJSONToMessage(m.reg, resDesc, data)
	if err != nil {
		slog.Warn("modifier: re-encode failed, forwarding original", "method", methodNameHint, "error", err)
		return Result{Replacement: raw}
	}
	out, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindResponse, ID: env.ID, Method: "", Payload: payload})
	if err != nil {
		slog.Warn("modifier: envelope re-encode failed, forwarding original", "method", methodNameHint, "error", err)
		return Result{Replacement: raw}
	}
	return Result{Replacement: out}
}

func (m *Modifier) rewriteFetchAccountInfo(data map[string]any) bool {
	acct, ok := data["account"].(map[string]any)
	if !ok {
		return false
	}
	safe := m.safe.snapshot()
	if intField(acct, "account_id") != safe.AccountID {
		return false
	}
	snap := m.prefs.Snapshot()
	acct["avatar_frame"] = slotFiveItemID(snap)
	acct["avatar_id"] = snap.CharacterSkin[snap.MainCharacter]
	acct["verified"] = snap.Verified
	return true
}

func (m *Modifier) rewriteFetchCharacterInfo(data map[string]any) bool {
	snap := m.prefs.Snapshot()

	m.safe.update(func(s *Safe) {
		if chars, ok := data["characters"].([]any); ok {
			s.Characters = nil
			for _, c := range chars {
				if cm, ok := c.(map[string]any); ok {
					s.Characters = append(s.Characters, cm)
				}
			}
		}
		s.MainCharacter = intField(data, "main_character_id")
	})

	characters := make([]any, 0, len(snap.CharacterSkin))
	for charID := range snap.CharacterSkin {
		characters = append(characters, m.perfectCharacter(charID, snap))
	}
	data["characters"] = characters
	data["skins"] = m.cat.SkinIDs()
	data["main_character_id"] = snap.MainCharacter
	data["character_sort"] = snap.StarCharacter
	data["hidden_characters"] = []int64{}
	data["finished_endings"] = m.cat.EndingRewardIDs()
	data["rewarded_endings"] = m.cat.EndingRewardIDs()
	return true
}

func (m *Modifier) rewriteLogin(data map[string]any) bool {
	acct, ok := data["account"].(map[string]any)
	if !ok {
		return false
	}
	m.safe.update(func(s *Safe) {
		s.AccountID = intField(acct, "account_id")
		s.OriginalNickname = stringField(acct, "nickname")
	})

	snap := m.prefs.Snapshot()
	acct["avatar_id"] = snap.CharacterSkin[snap.MainCharacter]
	if snap.NicknameOverride != "" {
		acct["nickname"] = snap.NicknameOverride
	}
	acct["title"] = snap.Title
	acct["loading_image_list"] = snap.LoadingBackground
	acct["verified"] = snap.Verified
	return true
}

func (m *Modifier) rewriteRoom(data map[string]any) bool {
	room, ok := data["room"].(map[string]any)
	if !ok {
		return false
	}
	persons, _ := room["persons"].([]any)
	snap := m.prefs.Snapshot()
	mutated := false
	for _, p := range persons {
		if pm, ok := p.(map[string]any); ok {
			m.applyPlayerTransform(pm, snap)
			mutated = true
		}
	}
	return mutated
}

func (m *Modifier) rewriteAuthGame(data map[string]any) bool {
	snap := m.prefs.Snapshot()
	mutated := false

	if gc, ok := data["game_config"].(map[string]any); ok && snap.Hint {
		if mode, ok := gc["mode"].(map[string]any); ok {
			if detail, ok := mode["detail_rule"].(map[string]any); ok {
				detail["bianjietishi"] = true
				mutated = true
			}
		}
		if meta, ok := gc["meta"].(map[string]any); ok {
			modeID := intField(meta, "mode_id")
			switch modeID {
			case 15, 16:
				meta["mode_id"] = modeID - 4
				mutated = true
			case 25, 26:
				meta["mode_id"] = modeID - 2
				mutated = true
			}
		}
	}

	if players, ok := data["players"].([]any); ok {
		for _, p := range players {
			if pm, ok := p.(map[string]any); ok {
				m.applyPlayerTransform(pm, snap)
				mutated = true
			}
		}
	}
	return mutated
}

func (m *Modifier) rewriteFetchBagInfo(data map[string]any) bool {
	items, _ := data["bag"].([]any)
	m.safe.update(func(s *Safe) {
		s.Items = nil
		for _, it := range items {
			if im, ok := it.(map[string]any); ok {
				s.Items = append(s.Items, im)
			}
		}
	})
	data["bag"] = m.fillBag()
	return true
}

func (m *Modifier) rewriteViewsOnly(data map[string]any) bool {
	snap := m.prefs.Snapshot()
	idx := snap.PresetIndex
	if idx < 0 || idx >= len(snap.ViewPresets) {
		return false
	}
	data["views"] = presetToAny(snap.ViewPresets[idx])
	return true
}

func (m *Modifier) rewriteFetchAnnouncement(data map[string]any) bool {
	existing, _ := data["announcement_list"].([]any)
	injected := map[string]any{
		"id":      announcementID,
		"title":   "liqiproxy",
		"content": "This client has been modified by a local proxy (liqiproxy). For entertainment use only; no warranty.",
	}
	data["announcement_list"] = append([]any{injected}, existing...)
	return true
}

func (m *Modifier) rewriteFetchInfo(data map[string]any) bool {
	mutated := m.rewriteFetchCharacterInfo(data)
	if m.rewriteFetchBagInfoNested(data) {
		mutated = true
	}
	if m.rewriteAllCommonViewsNested(data) {
		mutated = true
	}
	data["title_list"] = m.cat.TitleIDs()
	_ = mutated
	return true
}

func (m *Modifier) rewriteFetchBagInfoNested(data map[string]any) bool {
	if _, ok := data["bag"]; !ok {
		return false
	}
	return m.rewriteFetchBagInfo(data)
}

func (m *Modifier) rewriteAllCommonViewsNested(data map[string]any) bool {
	if _, ok := data["all_common_views"]; !ok {
		return false
	}
	acv, ok := data["all_common_views"].(map[string]any)
	if !ok {
		return false
	}
	return m.rewriteViewsOnly(acv)
}

func (m *Modifier) rewriteFetchServerSettings(data map[string]any) bool {
	snap := m.prefs.Snapshot()
	if !snap.AntiNicknameCensorship {
		return false
	}
	settings, ok := data["settings"].(map[string]any)
	if !ok {
		return false
	}
	ns, ok := settings["nickname_setting"].(map[string]any)
	if !ok {
		return false
	}
	ns["enable"] = false
	ns["nicknames"] = []any{}
	return true
}

func (m *Modifier) logFetchGameRecord(data map[string]any) {
	head, ok := data["head"].(map[string]any)
	if !ok {
		return
	}
	accounts, _ := head["accounts"].([]any)
	for _, a := range accounts {
		am, ok := a.(map[string]any)
		if !ok {
			continue
		}
		accountID := intField(am, "account_id")
		nickname := zoneTag(accountID) + stringField(am, "nickname")
		friendID := action.EncodeFriendID2(accountID)
		u := uuid.New().String()
		encodedID := fmt.Sprintf("%d", action.EncodeFriendID1(accountID))
		url1 := fmt.Sprintf("%s_a%s", u, encodedID)
		url2 := fmt.Sprintf("%s_a%s_2", action.EncodeUUID(u), encodedID)
		slog.Info("fetchGameRecord account",
			"nickname", nickname,
			"account_id", accountID,
			"friend_id", friendID,
			"replay_url_1", url1,
			"replay_url_2", url2,
		)
	}
}

// ---------------------------------------------------------------------
// Notify rewrites
// ---------------------------------------------------------------------

func (m *Modifier) modifyNotify(raw []byte, env *envelope.Frame) Result {
	name := session.ExtractNotifyMessageName(env.Method)
	desc, err := m.reg.ResolveMessage("lq." + name)
	if err != nil {
		return Result{Replacement: raw}
	}
	data, err := decodeMessageToJSON(m.reg, desc, env.Payload)
	if err != nil {
		slog.Warn("modifier: notify decode failed, forwarding unchanged", "method", env.Method, "error", err)
		return Result{Replacement: raw}
	}

	snap := m.prefs.Snapshot()
	mutated := false
	switch name {
	case "NotifyAccountUpdate":
		if update, ok := data["update"].(map[string]any); ok {
			if _, hasChar := update["character"]; hasChar {
				// Hazard (spec §9 open question c): this also suppresses
				// unrelated character sub-updates from the real server,
				// preserved intentionally rather than fixed.
				return Result{Drop: true}
			}
		}
		return Result{Replacement: raw}
	case "NotifyRoomPlayerUpdate":
		for _, key := range []string{"player_list", "update_list"} {
			if list, ok := data[key].([]any); ok {
				for _, p := range list {
					if pm, ok := p.(map[string]any); ok {
						m.applyPlayerTransform(pm, snap)
						mutated = true
					}
				}
			}
		}
	case "NotifyGameFinishRewardV2":
		if _, ok := data["main_character"].(map[string]any); ok {
			data["main_character"] = map[string]any{"add": int64(0), "exp": int64(0), "level": int64(5)}
			mutated = true
		}
	case "NotifyCustomContestSystemMsg":
		if snap.ShowServer {
			if block, ok := data["game_start"].(map[string]any); ok {
				if players, ok := block["players"].([]any); ok {
					for _, p := range players {
						if pm, ok := p.(map[string]any); ok {
							applyZoneTag(pm, snap)
							mutated = true
						}
					}
				}
			}
		}
	}

	if !mutated {
		return Result{Replacement: raw}
	}

	payload, err := encodeJSONToMessage(m.reg, desc, data)
	if err != nil {
		slog.Warn("modifier: notify re-encode failed, forwarding original", "method", env.Method, "error", err)
		return Result{Replacement: raw}
	}
	out, err := envelope.Encode(&envelope.Frame{Kind: envelope.KindNotify, Method: env.Method, Payload: payload})
	if err != nil {
		return Result{Replacement: raw}
	}
	return Result{Replacement: out}
}

// ---------------------------------------------------------------------
// Shared rewrite helpers (§4.5.3, §4.5.4, §4.5.5)
// ---------------------------------------------------------------------

func (m *Modifier) perfectCharacter(characterID int64, snap prefs.Snapshot) map[string]any {
	skin := snap.CharacterSkin[characterID]
	if skin == 0 {
		skin = m.prefs.CharacterSkinOrDefault(characterID)
	}
	char := map[string]any{
		"id":             characterID,
		"level":          int64(5),
		"is_upgraded":    true,
		"rewarded_level": []int64{1, 2, 3, 4, 5},
		"skin":           skin,
	}
	if snap.Emoji {
		char["extra_emoji"] = m.cat.EmojisForCharacter(characterID)
	}
	return char
}

// applyPlayerTransform implements §4.5.3's per-player rewrite: upgrade the
// nested character, overwrite self fields, and prepend a zone tag.
func (m *Modifier) applyPlayerTransform(player map[string]any, snap prefs.Snapshot) {
	if char, ok := player["character"].(map[string]any); ok {
		char["is_upgraded"] = true
		char["level"] = int64(5)
	}

	safe := m.safe.snapshot()
	if intField(player, "account_id") == safe.AccountID && safe.AccountID != 0 {
		player["character"] = m.perfectCharacter(snap.MainCharacter, snap)
		player["avatar_id"] = snap.CharacterSkin[snap.MainCharacter]
		if snap.NicknameOverride != "" {
			player["nickname"] = snap.NicknameOverride
		}
		player["title"] = snap.Title
		player["views"] = presetToAny(currentPreset(snap))
		player["avatar_frame"] = slotFiveItemID(snap)
		player["verified"] = snap.Verified
	}

	if snap.ShowServer {
		applyZoneTag(player, snap)
	}
}

// applyZoneTag prepends the bracketed zone tag derived from the account id's
// top bits to the player's nickname (§4.5.3).
func applyZoneTag(player map[string]any, _ prefs.Snapshot) {
	accountID := intField(player, "account_id")
	player["nickname"] = zoneTag(accountID) + stringField(player, "nickname")
}

func zoneTag(accountID int64) string {
	zoneCode := accountID >> 23
	switch {
	case zoneCode <= 6:
		return "[C﻿N]"
	case zoneCode >= 7 && zoneCode <= 12:
		return "[JP]"
	case zoneCode >= 13 && zoneCode <= 15:
		return "[EN]"
	default:
		return "[??]"
	}
}

// fillBag implements §4.5.4: keep every safe-remembered non-catalog item,
// then append every catalog item/loading image with stack 1.
func (m *Modifier) fillBag() []any {
	safe := m.safe.snapshot()
	catalogItemIDs := make(map[int64]bool)
	for _, it := range m.cat.Items() {
		catalogItemIDs[it.ID] = true
	}

	out := make([]any, 0, len(safe.Items))
	for _, it := range safe.Items {
		if !catalogItemIDs[intField(it, "item_id")] {
			out = append(out, it)
		}
	}
	for _, it := range m.cat.Items() {
		out = append(out, map[string]any{"item_id": it.ID, "stack": int64(1)})
	}
	for _, li := range m.cat.LoadingImages() {
		out = append(out, map[string]any{"item_id": li.ID, "stack": int64(1)})
	}
	return out
}

func currentPreset(snap prefs.Snapshot) []prefs.ViewSlot {
	if snap.PresetIndex < 0 || snap.PresetIndex >= len(snap.ViewPresets) {
		return nil
	}
	return snap.ViewPresets[snap.PresetIndex]
}

func slotFiveItemID(snap prefs.Snapshot) int64 {
	for _, v := range currentPreset(snap) {
		if v.Slot == 5 {
			return v.ItemID
		}
	}
	return 0
}

func presetToAny(views []prefs.ViewSlot) []any {
	out := make([]any, 0, len(views))
	for _, v := range views {
		out = append(out, map[string]any{"slot": v.Slot, "item_id": v.ItemID})
	}
	return out
}

func decodeViewSlots(v any) []prefs.ViewSlot {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]prefs.ViewSlot, 0, len(list))
	for _, e := range list {
		em, ok := e.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, prefs.ViewSlot{Slot: int32(intField(em, "slot")), ItemID: intField(em, "item_id")})
	}
	return out
}

// ---------------------------------------------------------------------
// JSON <-> dynamic protobuf conversion helpers
//
// Rather than manipulating dynamicpb fields one at a time via protoreflect
// for every rewrite case, payloads are decoded to plain map[string]any via
// protojson, mutated as ordinary Go values, and re-encoded the same way
// internal/session does for decoding. This is still "dynamic message
// reflection" per spec §9's design note — protojson itself walks the
// descriptor via protoreflect — while keeping ~25 rewrite cases tractable.
// ---------------------------------------------------------------------

func decodeMessageToJSON(reg *registry.Registry, desc protoreflect.MessageDescriptor, payload []byte) (map[string]any, error) {
	dyn := reg.NewMessage(desc)
	if err := proto.Unmarshal(payload, dyn); err != nil {
		return nil, fmt.Errorf("modifier: decode %q: %w", desc.FullName(), err)
	}

	jsonBytes, err := protojson.MarshalOptions{EmitUnpopulated: true, UseProtoNames: true}.Marshal(dyn)
	if err != nil {
		return nil, fmt.Errorf("modifier: marshal %q to json: %w", desc.FullName(), err)
	}

	var out map[string]any
	if err := json.Unmarshal(jsonBytes, &out); err != nil {
		return nil, fmt.Errorf("modifier: unmarshal json for %q: %w", desc.FullName(), err)
	}
	return out, nil
}

func encodeJSONToMessage(reg *registry.Registry, desc protoreflect.MessageDescriptor, data map[string]any) ([]byte, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("modifier: marshal rewritten json for %q: %w", desc.FullName(), err)
	}

	dyn := reg.NewMessage(desc)
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(jsonBytes, dyn); err != nil {
		return nil, fmt.Errorf("modifier: unmarshal rewritten json for %q: %w", desc.FullName(), err)
	}

	out, err := proto.Marshal(dyn)
	if err != nil {
		return nil, fmt.Errorf("modifier: marshal %q to proto: %w", desc.FullName(), err)
	}
	return out, nil
}

// ---------------------------------------------------------------------
// Plain-map field accessors
// ---------------------------------------------------------------------

func intField(data map[string]any, key string) int64 {
	v, ok := data[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}

func stringField(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func int64Slice(v any) []int64 {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(list))
	for _, e := range list {
		switch n := e.(type) {
		case float64:
			out = append(out, int64(n))
		case string:
			var x int64
			fmt.Sscanf(n, "%d", &x)
			out = append(out, x)
		}
	}
	return out
}
