// Package prefs implements the modifier's persisted user-preference store
// (settings.mod.json per spec §4.6/§6) — the single piece of state the
// modifier is allowed to durably mutate. Grounded on the upstream source's
// settings.rs JSON shape and the teacher's config singleton idiom
// (sync.Once-free here since preferences are per-process, not global
// service config, but the RWMutex-guarded-struct + asynchronous write-back
// discipline is the same one the teacher applies to its own mutable state).
package prefs

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ViewSlot is one (slot, item_id) pair inside a view preset.
type ViewSlot struct {
	Slot   int32 `json:"slot"`
	ItemID int64 `json:"item_id"`
}

const presetCount = 10

// defaultSkinFor computes the default skin id for a character on first
// reference, per spec §3: 400001 + (id mod 100)*100.
func defaultSkinFor(characterID int64) int64 {
	return 400001 + (characterID%100)*100
}

// data is the JSON-serialisable preference document.
type data struct {
	MainCharacter           int64            `json:"main_character"`
	CharacterSkin           map[int64]int64  `json:"character_skin"`
	NicknameOverride        string           `json:"nickname_override"`
	StarCharacter           []int64          `json:"star_character"`
	Title                   int64            `json:"title"`
	LoadingBackground       []int64          `json:"loading_background"`
	ViewPresets             [presetCount][]ViewSlot `json:"view_presets"`
	PresetIndex             int              `json:"preset_index"`
	Hint                    bool             `json:"hint_switch"`
	Emoji                   bool             `json:"emoji_switch"`
	ShowServer              bool             `json:"show_server"`
	AntiNicknameCensorship  bool             `json:"anti_nickname_censorship"`
	AutoUpdate              bool             `json:"auto_update"`
	RandomChar              bool             `json:"random_char_switch"`
	RandomCharPool          []int64          `json:"random_char_pool"`
	Verified                int64            `json:"verified"`
	ContentVersion          string           `json:"liqi_version"`
}

func defaults() data {
	return data{
		MainCharacter:     200001,
		CharacterSkin:     map[int64]int64{200001: defaultSkinFor(200001)},
		StarCharacter:     []int64{},
		LoadingBackground: []int64{},
		PresetIndex:       0,
		Hint:              false,
		Emoji:             true,
		ShowServer:        true,
		ContentVersion:    "",
	}
}

// Store is the RWMutex-guarded preference state, with atomic-snapshot reads
// and asynchronous best-effort write-back on every mutation.
type Store struct {
	mu   sync.RWMutex
	d    data
	path string
}

// Load reads settings.mod.json from path; if absent, it is created with
// documented defaults.
func Load(path string) (*Store, error) {
	s := &Store{path: path}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.d = defaults()
		if werr := s.writeBackSync(); werr != nil {
			slog.Warn("prefs: failed to write default settings.mod.json", "error", werr, "path", path)
		}
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var d data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d.CharacterSkin == nil {
		d.CharacterSkin = make(map[int64]int64)
	}
	s.d = d
	s.ensureMainCharacterLocked()
	return s, nil
}

// Snapshot is an immutable-enough copy for readers; callers must not mutate
// the returned maps/slices.
type Snapshot struct {
	data
}

// Snapshot returns an atomic point-in-time copy of the preferences.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := s.d
	cp.CharacterSkin = make(map[int64]int64, len(s.d.CharacterSkin))
	for k, v := range s.d.CharacterSkin {
		cp.CharacterSkin[k] = v
	}
	cp.StarCharacter = append([]int64(nil), s.d.StarCharacter...)
	cp.LoadingBackground = append([]int64(nil), s.d.LoadingBackground...)
	cp.RandomCharPool = append([]int64(nil), s.d.RandomCharPool...)
	return Snapshot{cp}
}

// CharacterSkinOrDefault returns the preferred skin for a character,
// computing and persisting the default on first reference (spec §3
// relative-integrity rule).
func (s *Store) CharacterSkinOrDefault(characterID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if skin, ok := s.d.CharacterSkin[characterID]; ok {
		return skin
	}
	skin := defaultSkinFor(characterID)
	s.d.CharacterSkin[characterID] = skin
	s.scheduleWriteBackLocked()
	return skin
}

func (s *Store) ensureMainCharacterLocked() {
	if _, ok := s.d.CharacterSkin[s.d.MainCharacter]; !ok {
		if s.d.CharacterSkin == nil {
			s.d.CharacterSkin = make(map[int64]int64)
		}
		s.d.CharacterSkin[s.d.MainCharacter] = defaultSkinFor(s.d.MainCharacter)
	}
}

// SetMainCharacter implements changeMainCharacter's side effect.
func (s *Store) SetMainCharacter(characterID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.MainCharacter = characterID
	s.ensureMainCharacterLocked()
	s.scheduleWriteBackLocked()
}

// SetCharacterSkin implements changeCharacterSkin's side effect.
func (s *Store) SetCharacterSkin(characterID, skin int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.d.CharacterSkin == nil {
		s.d.CharacterSkin = make(map[int64]int64)
	}
	s.d.CharacterSkin[characterID] = skin
	s.scheduleWriteBackLocked()
}

// SetStarCharacter implements updateCharacterSort's side effect.
func (s *Store) SetStarCharacter(sort []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.StarCharacter = append([]int64(nil), sort...)
	s.scheduleWriteBackLocked()
}

// SetTitle implements useTitle's side effect.
func (s *Store) SetTitle(title int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.Title = title
	s.scheduleWriteBackLocked()
}

// SetLoadingBackground implements setLoadingImage's side effect.
func (s *Store) SetLoadingBackground(images []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.LoadingBackground = append([]int64(nil), images...)
	s.scheduleWriteBackLocked()
}

// SetViewPreset implements saveCommonViews' side effect. If useNow is true,
// the preset index is also switched, matching the is_use==1 behaviour.
func (s *Store) SetViewPreset(index int, views []ViewSlot, useNow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= presetCount {
		return ErrInvalidPresetIndex
	}
	s.d.ViewPresets[index] = append([]ViewSlot(nil), views...)
	if useNow {
		s.d.PresetIndex = index
	}
	s.scheduleWriteBackLocked()
	return nil
}

// SetPresetIndex implements useCommonView's side effect.
func (s *Store) SetPresetIndex(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= presetCount {
		return ErrInvalidPresetIndex
	}
	s.d.PresetIndex = index
	s.scheduleWriteBackLocked()
	return nil
}

// SetNicknameOverride sets the nickname override directly, outside the
// frame rewrite tables; no request handler changes it.
func (s *Store) SetNicknameOverride(nickname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.NicknameOverride = nickname
	s.scheduleWriteBackLocked()
}

func (s *Store) scheduleWriteBackLocked() {
	snapshot := s.d
	snapshot.CharacterSkin = make(map[int64]int64, len(s.d.CharacterSkin))
	for k, v := range s.d.CharacterSkin {
		snapshot.CharacterSkin[k] = v
	}
	go func() {
		if err := writeJSON(s.path, snapshot); err != nil {
			slog.Error("prefs: write-back failed (in-memory preferences remain authoritative)", "error", err, "path", s.path)
		}
	}()
}

func (s *Store) writeBackSync() error {
	return writeJSON(s.path, s.d)
}

func writeJSON(path string, d data) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ErrInvalidPresetIndex is returned when a preset index falls outside the
// fixed ten-slot array.
var ErrInvalidPresetIndex = presetIndexError{}

type presetIndexError struct{}

func (presetIndexError) Error() string { return "prefs: preset index out of range [0,10)" }
