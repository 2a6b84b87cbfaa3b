package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/becomeliminal/nim-memory/memory"
)

func TestFormatContext(t *testing.T) {
	rec := &memory.Record{ID: "mem_b", Content: "咪咪喜欢\n吃鱼", Relations: []memory.Triple{
		{Predicate: "owner", Object: "mem_a", ObjectRef: true},
		{Predicate: "owner", Object: "mem_gone", ObjectRef: true},
		{Predicate: "likes", Object: "鱼"},
	}}
	resolve := func(id string) (string, bool) {
		if id == "mem_a" {
			return "主人叫小明", true
		}
		return "", false
	}

	got := memory.FormatContext([]memory.Section{
		{Tier: memory.TierCore},
		{Tier: memory.TierSemantic, Records: []*memory.Record{rec}},
	}, 2, resolve)
	assert.Equal(t, "[semantic]\n- 咪咪喜欢 吃鱼\n  - owner: 主人叫小明\n  - owner: mem_gone\n", got)

	assert.Empty(t, memory.FormatContext(nil, 2, nil))
	assert.Equal(t, "[semantic]\n- 咪咪喜欢 吃鱼\n", memory.FormatContext([]memory.Section{
		{Tier: memory.TierSemantic, Records: []*memory.Record{rec}},
	}, 0, resolve))
}
