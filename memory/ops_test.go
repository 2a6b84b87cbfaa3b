package memory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/memory"
)

func TestParseOps(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    []memory.Op
		dropped int
	}{
		{
			name: "add defaults to semantic",
			text: "[ADD]主人喜欢拉面[/ADD]",
			want: []memory.Op{memory.AddOp{Content: "主人喜欢拉面", Tier: memory.TierSemantic}},
		},
		{
			name: "add with tier, case-insensitive",
			text: "[add:Core] 主人叫小明 [/add]",
			want: []memory.Op{memory.AddOp{Content: "主人叫小明", Tier: memory.TierCore}},
		},
		{
			name: "every kind",
			text: "Thinking about it.\n" +
				"[UPDATE:mem_1]主人喜欢豚骨拉面[/UPDATE]\n" +
				"[BOOST:mem_2]\n" +
				"[BOOST:mem_3:-0.25]\n" +
				"[DELETE:mem_4]\n" +
				"[PROMOTE:mem_5]\n" +
				"[RELATE:mem_6:lives_in]东京[/RELATE]\n" +
				"[RELATE:mem_6:about]@mem_1[/RELATE]\n",
			want: []memory.Op{
				memory.UpdateOp{ID: "mem_1", Content: "主人喜欢豚骨拉面"},
				memory.BoostOp{ID: "mem_2"},
				memory.BoostOp{ID: "mem_3", Delta: -0.25, HasDelta: true},
				memory.DeleteOp{ID: "mem_4"},
				memory.PromoteOp{ID: "mem_5"},
				memory.RelateOp{ID: "mem_6", Predicate: "lives_in", Object: "东京"},
				memory.RelateOp{ID: "mem_6", Predicate: "about", Object: "mem_1", ObjectRef: true},
			},
		},
		{
			name: "skip yields nothing",
			text: "[SKIP]",
		},
		{
			name: "unknown brackets are prose",
			text: "[note] the user [smiled]\n[ADD]今天很开心[/ADD]",
			want: []memory.Op{memory.AddOp{Content: "今天很开心", Tier: memory.TierSemantic}},
		},
		{
			name: "unclosed body ends at newline",
			text: "[ADD]喜欢猫\n[DELETE:mem_9]",
			want: []memory.Op{
				memory.AddOp{Content: "喜欢猫", Tier: memory.TierSemantic},
				memory.DeleteOp{ID: "mem_9"},
			},
		},
		{
			name: "unclosed body ends at the next tag",
			text: "[ADD]a [BOOST:mem_1] b[/ADD]",
			want: []memory.Op{
				memory.AddOp{Content: "a", Tier: memory.TierSemantic},
				memory.BoostOp{ID: "mem_1"},
			},
		},
		{
			name: "closing tag spans lines",
			text: "[ADD]line one\nline two[/ADD]",
			want: []memory.Op{memory.AddOp{Content: "line one\nline two", Tier: memory.TierSemantic}},
		},
		{
			name:    "malformed tags are dropped",
			text:    "[DELETE:bad id!] [BOOST:mem_1:2] [ADD][/ADD] [UPDATE]x[/UPDATE] [ADD:Not Valid]x[/ADD] [RELATE:mem_1]x[/RELATE]",
			dropped: 6,
		},
		{
			name:    "good tags survive bad neighbours",
			text:    "[BOOST:]\n[PROMOTE:mem_7]",
			want:    []memory.Op{memory.PromoteOp{ID: "mem_7"}},
			dropped: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, errs := memory.ParseOps(tt.text)
			assert.Equal(t, tt.want, ops)
			assert.Len(t, errs, tt.dropped)
			for _, err := range errs {
				assert.ErrorIs(t, err, memory.ErrParse)
			}
		})
	}
}

func TestParseErrorOffset(t *testing.T) {
	text := "ok [DELETE:a b]"
	_, errs := memory.ParseOps(text)
	require.Len(t, errs, 1)

	var perr *memory.ParseError
	require.ErrorAs(t, errs[0], &perr)
	assert.Equal(t, 3, perr.Offset)
	assert.Equal(t, "[DELETE:a b]", perr.Tag)
	assert.Contains(t, perr.Error(), "invalid id")
}

func TestOpKinds(t *testing.T) {
	kinds := map[string]memory.Op{
		"add":     memory.AddOp{},
		"update":  memory.UpdateOp{},
		"boost":   memory.BoostOp{},
		"delete":  memory.DeleteOp{},
		"promote": memory.PromoteOp{},
		"relate":  memory.RelateOp{},
	}
	for want, op := range kinds {
		assert.Equal(t, want, op.Kind())
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, memory.ValidID("mem_0123abcd"))
	assert.True(t, memory.ValidID(memory.NewID()))
	assert.False(t, memory.ValidID(""))
	assert.False(t, memory.ValidID("has space"))
	assert.False(t, memory.ValidID("中文"))
}
