// Package catalog parses the content bundle (lqc.lqbin, a protobuf
// ConfigTables container of (table, sheet, data[]) triples — spec §3) into
// typed, immutable-after-construction in-memory catalogs: characters,
// skins, titles, items, loading images, character emojis, and ending
// rewards.
//
// Grounded on the teacher's internal/catalog/tool_catalog.go: the same
// RWMutex-guarded map-registry shape, with registerDefaults replaced by a
// ConfigTables-driven loader and ToolDefinition replaced by the typed rows
// below. Per spec §9 design note, class names are synthesised by CamelCasing
// table+sheet and switched on; unknown tags are ignored rather than erroring,
// since the schema is an out-of-band registry that evolves upstream.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/majsoul/liqiproxy/internal/registry"
)

type Character struct {
	ID int64 `json:"id"`
}

type Skin struct {
	ID          int64 `json:"id"`
	CharacterID int64 `json:"character_id"`
}

type Title struct {
	ID int64 `json:"id"`
}

type Item struct {
	ID int64 `json:"id"`
}

type LoadingImage struct {
	ID int64 `json:"id"`
}

type EndingReward struct {
	ID int64 `json:"id"`
}

// Catalog holds every typed table, keyed by id where the table has one.
type Catalog struct {
	mu sync.RWMutex

	characters    map[int64]Character
	skins         map[int64]Skin
	titles        map[int64]Title
	items         map[int64]Item
	loadingImages map[int64]LoadingImage
	emojis        map[int64][]int64 // character id -> emoji ids
	endingRewards map[int64]EndingReward
}

// Empty returns a Catalog with no rows loaded, for tests and for boot paths
// that run without a content bundle configured.
func Empty() *Catalog {
	return empty()
}

func empty() *Catalog {
	return &Catalog{
		characters:    make(map[int64]Character),
		skins:         make(map[int64]Skin),
		titles:        make(map[int64]Title),
		items:         make(map[int64]Item),
		loadingImages: make(map[int64]LoadingImage),
		emojis:        make(map[int64][]int64),
		endingRewards: make(map[int64]EndingReward),
	}
}

// configTableRow mirrors one ConfigTables.tables[*] entry once decoded to
// JSON: table name, sheet name, and the raw per-row data.
type configTableRow struct {
	Table string           `json:"table"`
	Sheet string           `json:"sheet"`
	Data  []map[string]any `json:"data"`
}

// Load reads lqc.lqbin from path, decodes it against the "lq.ConfigTables"
// descriptor in reg, and classifies every row into the typed catalogs.
func Load(reg *registry.Registry, lqbinPath string) (*Catalog, error) {
	raw, err := os.ReadFile(lqbinPath)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading content bundle: %w", err)
	}

	desc, err := reg.ResolveMessage("lq.ConfigTables")
	if err != nil {
		return nil, fmt.Errorf("catalog: resolving ConfigTables descriptor: %w", err)
	}

	dyn := reg.NewMessage(desc)
	if err := proto.Unmarshal(raw, dyn); err != nil {
		return nil, fmt.Errorf("catalog: decoding content bundle: %w", err)
	}

	jsonBytes, err := protojson.MarshalOptions{EmitUnpopulated: true, UseProtoNames: true}.Marshal(dyn)
	if err != nil {
		return nil, fmt.Errorf("catalog: marshaling content bundle to json: %w", err)
	}

	var wrapper struct {
		Tables []configTableRow `json:"tables"`
	}
	if err := json.Unmarshal(jsonBytes, &wrapper); err != nil {
		return nil, fmt.Errorf("catalog: unmarshaling content bundle json: %w", err)
	}

	c := empty()
	for _, row := range wrapper.Tables {
		c.classify(row)
	}
	return c, nil
}

func (c *Catalog) classify(row configTableRow) {
	tag := camelCase(row.Table) + camelCase(row.Sheet)
	switch tag {
	case "CharacterCharacter", "ConfigCharacter":
		for _, r := range row.Data {
			id := int64Field(r, "id")
			c.characters[id] = Character{ID: id}
		}
	case "SkinSkin", "ConfigSkin":
		for _, r := range row.Data {
			id := int64Field(r, "id")
			c.skins[id] = Skin{ID: id, CharacterID: int64Field(r, "character_id")}
		}
	case "TitleTitle", "ConfigTitle":
		for _, r := range row.Data {
			id := int64Field(r, "id")
			c.titles[id] = Title{ID: id}
		}
	case "ItemItem", "ConfigItem":
		for _, r := range row.Data {
			id := int64Field(r, "id")
			c.items[id] = Item{ID: id}
		}
	case "LoadingImageLoadingImage", "ConfigLoadingImage":
		for _, r := range row.Data {
			id := int64Field(r, "id")
			c.loadingImages[id] = LoadingImage{ID: id}
		}
	case "CharacterEmoji", "CharacterEmojiCharacterEmoji", "ConfigCharacterEmoji":
		for _, r := range row.Data {
			charID := int64Field(r, "character_id")
			emojiID := int64Field(r, "emoji_id")
			c.emojis[charID] = append(c.emojis[charID], emojiID)
		}
	case "EndingReward", "ConfigEndingReward":
		for _, r := range row.Data {
			id := int64Field(r, "id")
			c.endingRewards[id] = EndingReward{ID: id}
		}
	default:
		// Unknown tags are ignored per spec §9.
	}
}

func int64Field(row map[string]any, key string) int64 {
	v, ok := row[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}

func camelCase(s string) string {
	var out strings.Builder
	for _, part := range strings.Split(s, "_") {
		if part == "" {
			continue
		}
		b := []byte(part)
		if b[0] >= 'a' && b[0] <= 'z' {
			b[0] -= 'a' - 'A'
		}
		out.Write(b)
	}
	return out.String()
}

// Characters returns every catalog character id.
func (c *Catalog) Characters() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int64, 0, len(c.characters))
	for id := range c.characters {
		ids = append(ids, id)
	}
	return ids
}

// SkinIDs returns every catalog skin id.
func (c *Catalog) SkinIDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int64, 0, len(c.skins))
	for id := range c.skins {
		ids = append(ids, id)
	}
	return ids
}

// TitleIDs returns every catalog title id.
func (c *Catalog) TitleIDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int64, 0, len(c.titles))
	for id := range c.titles {
		ids = append(ids, id)
	}
	return ids
}

// Items returns every catalog item.
func (c *Catalog) Items() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	return out
}

// LoadingImages returns every catalog loading image.
func (c *Catalog) LoadingImages() []LoadingImage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LoadingImage, 0, len(c.loadingImages))
	for _, li := range c.loadingImages {
		out = append(out, li)
	}
	return out
}

// EmojisForCharacter returns the catalog emoji ids for a character, or nil.
func (c *Catalog) EmojisForCharacter(characterID int64) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]int64(nil), c.emojis[characterID]...)
}

// EndingRewardIDs returns every catalog ending reward id.
func (c *Catalog) EndingRewardIDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int64, 0, len(c.endingRewards))
	for id := range c.endingRewards {
		ids = append(ids, id)
	}
	return ids
}

// Count reports the number of rows loaded across all catalogs, mirroring
// tool_catalog.go's Count().
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := len(c.characters) + len(c.skins) + len(c.titles) + len(c.items) +
		len(c.loadingImages) + len(c.endingRewards)
	for _, ids := range c.emojis {
		n += len(ids)
	}
	return n
}
