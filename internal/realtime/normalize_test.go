package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/finepair/internal/backend"
	"github.com/dukerupert/finepair/internal/model"
)

func TestNormalizeInsert(t *testing.T) {
	ev, err := Normalize(backend.RawChange{
		Type:   backend.OpInsert,
		Table:  model.TableRules,
		Record: json.RawMessage(`{"id":"r1","couple_id":"c1","title":"Dishes","amount":1000,"is_active":true}`),
	})
	require.NoError(t, err)

	assert.Equal(t, backend.OpInsert, ev.Op)
	assert.Nil(t, ev.Old)
	r, ok := ev.New.(model.Rule)
	require.True(t, ok)
	assert.Equal(t, "c1", r.CoupleID)
	assert.Equal(t, int64(1000), r.Amount)
}

func TestNormalizeDeleteOnlyOld(t *testing.T) {
	ev, err := Normalize(backend.RawChange{
		Type:      backend.OpDelete,
		Table:     model.TableViolations,
		OldRecord: json.RawMessage(`{"id":"v1"}`),
	})
	require.NoError(t, err)

	assert.Nil(t, ev.New)
	require.NotNil(t, ev.Old)
	assert.Equal(t, "v1", ev.Old.RecordID())
}

func TestNormalizeUpdateBothSides(t *testing.T) {
	ev, err := Normalize(backend.RawChange{
		Type:      backend.OpUpdate,
		Table:     model.TableCouples,
		Record:    json.RawMessage(`{"id":"c1","balance":3000}`),
		OldRecord: json.RawMessage(`{"id":"c1","balance":0}`),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3000), ev.New.(model.Couple).Balance)
	assert.Equal(t, int64(0), ev.Old.(model.Couple).Balance)
}

func TestNormalizeAbsentSidesAreNil(t *testing.T) {
	ev, err := Normalize(backend.RawChange{Type: backend.OpUpdate, Table: model.TableProfiles})
	require.NoError(t, err)
	assert.Nil(t, ev.New)
	assert.Nil(t, ev.Old)

	ev, err = Normalize(backend.RawChange{
		Type:      backend.OpInsert,
		Table:     model.TableRewards,
		Record:    json.RawMessage(`{"id":"w1"}`),
		OldRecord: json.RawMessage(`null`),
	})
	require.NoError(t, err)
	assert.Nil(t, ev.Old)
}

func TestNormalizeErrors(t *testing.T) {
	cases := []backend.RawChange{
		{Type: "TRUNCATE", Table: model.TableRules},
		{Type: backend.OpInsert, Table: "unknown_table", Record: json.RawMessage(`{"id":"x"}`)},
		{Type: backend.OpInsert, Table: model.TableRules, Record: json.RawMessage(`{"id":`)},
		{Type: backend.OpInsert, Table: model.TableRules, Record: json.RawMessage(`{"title":"no id"}`)},
		{Type: backend.OpInsert, Table: model.TableRules, Record: json.RawMessage(`{"id":"r1","amount":"lots"}`)},
	}
	for _, raw := range cases {
		_, err := Normalize(raw)
		assert.Error(t, err, "%+v", raw)
	}
}
