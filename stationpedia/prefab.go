// Package stationpedia derives surface-language device interface
// declarations from the game's exported PrefabData.json.
package stationpedia

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Prefab is one thing from PrefabData.json.
type Prefab struct {
	PrefabName string            `json:"prefabName"`
	PrefabHash int64             `json:"prefabHash"`
	Modes      map[string]string `json:"modes,omitempty"`
	Logic      Logic             `json:"logic"`
}

// Logic lists a prefab's readable and writable variables.
type Logic struct {
	LogicTypes     []string `json:"logicTypes"`
	LogicSlotTypes []string `json:"logicSlotTypes"`
}

// Parse decodes a PrefabData.json document.
func Parse(data []byte) ([]Prefab, error) {
	var prefabs []Prefab
	if err := json.Unmarshal(data, &prefabs); err != nil {
		return nil, fmt.Errorf("stationpedia: %w", err)
	}
	return prefabs, nil
}

// Generate renders interface declarations for every prefab that has
// logic variables, plus a Mode enum for prefabs whose mode names are
// all well-formed non-numeric identifiers. Output order follows the
// input; members are sorted for determinism.
func Generate(prefabs []Prefab) string {
	var sb strings.Builder
	sb.WriteString("// Generated from PrefabData.json. Do not edit.\n")
	for _, p := range prefabs {
		if len(p.Logic.LogicTypes) == 0 && len(p.Logic.LogicSlotTypes) == 0 {
			continue
		}
		writeInterface(&sb, p)
		if names, ok := modeNames(p.Modes); ok {
			writeModeEnum(&sb, p.PrefabName, names)
		}
	}
	return sb.String()
}

func writeInterface(sb *strings.Builder, p Prefab) {
	fmt.Fprintf(sb, "\n[DeviceInterface(%q)] // hash %d\n", p.PrefabName, p.PrefabHash)
	if n := len(p.Logic.LogicSlotTypes); n > 0 {
		fmt.Fprintf(sb, "[DeviceSlotCount(%d)]\n", n)
	}
	fmt.Fprintf(sb, "public interface I%s : IDevice\n{\n", p.PrefabName)
	types := append([]string{}, p.Logic.LogicTypes...)
	sort.Strings(types)
	for _, lt := range types {
		if !isIdentifier(lt) {
			continue
		}
		fmt.Fprintf(sb, "    float %s { get; set; }\n", lt)
	}
	if len(p.Logic.LogicSlotTypes) > 0 {
		sb.WriteString("    IDeviceSlots Slots { get; }\n")
	}
	sb.WriteString("}\n")
}

func writeModeEnum(sb *strings.Builder, prefabName string, names []string) {
	fmt.Fprintf(sb, "\npublic enum %sMode\n{\n", prefabName)
	for i, name := range names {
		fmt.Fprintf(sb, "    %s = %d,\n", name, i)
	}
	sb.WriteString("}\n")
}

// modeNames orders a prefab's modes by their numeric key and reports
// whether every name is usable as an enum member.
func modeNames(modes map[string]string) ([]string, bool) {
	if len(modes) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(modes))
	for k := range modes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return modeKey(keys[i]) < modeKey(keys[j])
	})
	var names []string
	for _, k := range keys {
		name := modes[k]
		if !isIdentifier(name) {
			return nil, false
		}
		names = append(names, name)
	}
	return names, true
}

func modeKey(k string) int {
	n := 0
	for _, r := range k {
		if r < '0' || r > '9' {
			return 1 << 30
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// isIdentifier reports whether a name is a well-formed, non-numeric
// identifier.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		alpha := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		digit := r >= '0' && r <= '9'
		if i == 0 && !alpha {
			return false
		}
		if !alpha && !digit {
			return false
		}
	}
	return true
}
